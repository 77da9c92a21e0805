// Package proof orchestrates proof generation for the local peer's own
// contribution and parallel verification of contributions claimed by remote
// peers.
//
// The proof system itself is an external collaborator behind Backend. The
// groth16 subpackage provides a zero-knowledge reference implementation and
// the ecdsa subpackage a signature-only backend for development networks.
package proof
