// Package aggregator orchestrates trust rounds. It accepts signed opinion and
// attestation submissions into the open round, and closes rounds on a timer,
// on quorum or on an authorized request. Closing a round runs proof
// verification, applies accepted rows to the trust graph, computes the
// global trust vector and publishes it as an immutable snapshot. Accepted
// commitments are then handed to the chain anchor in the background.
//
// Readers only ever observe the last published snapshot. Compute phases are
// serialized, while ingestion into the next round continues during
// verification and anchoring.
package aggregator
