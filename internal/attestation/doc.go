// Package attestation converts a peer's opinions for a round into a
// canonical statement and a MiMC commitment over BN254 field elements.
//
// The same element sequence is recomputed inside the proof circuit, so the
// layout here (peer, round, then padded target/weight pairs) is part of the
// wire contract between prover and verifier. Anchored payloads are RLP
// encoded and carry enough data to rebuild the trust row on restart.
package attestation
