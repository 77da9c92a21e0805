// Package trust holds local trust opinions and the pre-trusted distribution.
//
// The Graph type is pure storage with validation: it performs no computation
// and hands out immutable Matrix snapshots to the convergence engine. All
// mutation is expected to be serialized by the aggregation service; the
// internal lock only keeps concurrent readers safe.
package trust
