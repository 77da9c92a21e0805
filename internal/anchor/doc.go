// Package anchor submits attestation payloads to the ledger and tracks each
// submission as a Record whose status moves Pending -> Confirmed | Failed.
//
// Confirmations and reorgs arrive asynchronously from the chain client's
// event subscription. A sweep loop resubmits records that stay unconfirmed
// past the confirmation timeout and fails them with ANCHOR_TIMEOUT once the
// retry cap is exhausted. Anchoring never blocks score publication.
package anchor
