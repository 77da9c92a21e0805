package web3

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string         `json:"name"`
	ChainID     string         `json:"chain_id"`
	BlockNumber uint64         `json:"block_number"`
	Account     common.Address `json:"account"`
	Contract    common.Address `json:"contract"`
	Notes       string         `json:"notes,omitempty"`
}

// TxStatus describes the ledger view of a submitted transaction.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
	// TxUnknown means the node no longer knows the transaction, typically
	// because it was dropped from the mempool or reorganized out.
	TxUnknown TxStatus = "unknown"
)

// SubmitOptions carries per-attempt transaction parameters. Attempt starts at
// zero; implementations bump fees for later attempts.
type SubmitOptions struct {
	Attempt  int
	GasLimit uint64
}

// AttestationEvent is one attestation log observed on chain. Removed is set
// when the log was reverted by a chain reorganization.
type AttestationEvent struct {
	TxHash      common.Hash    `json:"tx_hash"`
	Creator     common.Address `json:"creator"`
	About       common.Address `json:"about"`
	Key         common.Hash    `json:"key"`
	Payload     []byte         `json:"payload"`
	BlockNumber uint64         `json:"block_number"`
	Removed     bool           `json:"removed"`
}

// Subscription wraps an attestation event stream so callers can manage its
// lifecycle without depending on the go-ethereum event package.
type Subscription struct {
	events <-chan AttestationEvent
	errs   <-chan error
	stop   func()
	once   sync.Once
}

// NewSubscription constructs a managed subscription wrapper. stop may be nil.
func NewSubscription(events <-chan AttestationEvent, errs <-chan error, stop func()) *Subscription {
	return &Subscription{events: events, errs: errs, stop: stop}
}

// Events returns the channel that receives attestation events.
func (s *Subscription) Events() <-chan AttestationEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// Err forwards the subscription error channel.
func (s *Subscription) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s == nil || s.stop == nil {
		return
	}
	s.once.Do(s.stop)
}

// Client defines what the anchor needs from a ledger. Implementations must be
// safe for concurrent use.
type Client interface {
	ChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SubmitAttestation(ctx context.Context, about common.Address, payload []byte, opts SubmitOptions) (common.Hash, error)
	SubscribeAttestations(ctx context.Context) (*Subscription, error)
	ReadAttestation(ctx context.Context, about common.Address) ([]byte, error)
	TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
	Close()
}
