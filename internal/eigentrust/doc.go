// Package eigentrust implements the convergence engine: power iteration of
// the EigenTrust propagation operator over an immutable trust matrix.
//
// The result depends only on the matrix, the pre-trusted distribution and
// the parameters. Peers are indexed in address order so that every verifier
// derives the identical vector regardless of submission order.
package eigentrust
