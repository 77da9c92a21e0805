// Package web3 houses ledger connectivity: the chain client contract used by
// the anchor, attestation event subscriptions, and YAML chain definitions.
// The ethereum subpackage implements the client against an
// AttestationStation-style contract on EVM networks; the provider
// subpackage builds clients from configuration.
package web3
