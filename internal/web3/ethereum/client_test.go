package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/web3"
)

var stationAddress = common.HexToAddress("0x4200000000000000000000000000000000000021")

func newSimulatedClient(t *testing.T) (*Client, *simulated.Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client, err := NewWithBackend(sim.Client(), Config{Name: "simulated", Contract: stationAddress, Key: key})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, sim
}

func TestClientSubmitAndTrackStatus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, sim := newSimulatedClient(t)
	about := common.HexToAddress("0x00000000000000000000000000000000000000ab")

	first, err := client.SubmitAttestation(ctx, about, []byte("payload-1"), web3.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit attestation: %v", err)
	}
	status, err := client.TransactionStatus(ctx, first)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != web3.TxPending {
		t.Fatalf("expected pending status before mining, got %s", status)
	}

	// 重试时重新获取 nonce 并上调小费。
	second, err := client.SubmitAttestation(ctx, about, []byte("payload-2"), web3.SubmitOptions{Attempt: 1})
	if err != nil {
		t.Fatalf("resubmit attestation: %v", err)
	}
	sim.Commit()

	for _, hash := range []common.Hash{first, second} {
		status, err := client.TransactionStatus(ctx, hash)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status != web3.TxSuccess {
			t.Fatalf("expected success for %s, got %s", hash.Hex(), status)
		}
	}

	tx, _, err := sim.Client().TransactionByHash(ctx, second)
	if err != nil {
		t.Fatalf("fetch tx: %v", err)
	}
	if tx.Nonce() != 1 {
		t.Fatalf("expected fresh nonce 1, got %d", tx.Nonce())
	}
	if tx.Type() != coretypes.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee tx, got type %d", tx.Type())
	}

	unknown, err := client.TransactionStatus(ctx, common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if unknown != web3.TxUnknown {
		t.Fatalf("expected unknown status, got %s", unknown)
	}

	snapshot, err := client.ChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("chain snapshot: %v", err)
	}
	if snapshot.BlockNumber == 0 || snapshot.ChainID == "0x0" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Account != client.Account() {
		t.Fatalf("unexpected account %s", snapshot.Account.Hex())
	}
}

func TestReadAttestationWithoutContractIsNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newSimulatedClient(t)
	_, err := client.ReadAttestation(context.Background(), common.HexToAddress("0x0b"))
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecodeAttestationLog(t *testing.T) {
	creator := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	about := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	data, err := stationABI.Events["AttestationCreated"].Inputs.NonIndexed().Pack([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	lg := coretypes.Log{
		Topics: []common.Hash{
			attestationEventID(),
			common.BytesToHash(creator.Bytes()),
			common.BytesToHash(about.Bytes()),
			AttestationKey,
		},
		Data:        data,
		TxHash:      common.HexToHash("0xfeed"),
		BlockNumber: 12,
		Removed:     true,
	}

	event, err := decodeAttestationLog(lg)
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if event.Creator != creator || event.About != about || !event.Removed || event.BlockNumber != 12 {
		t.Fatalf("unexpected event %+v", event)
	}
	if string(event.Payload) != "\x01\x02\x03" {
		t.Fatalf("unexpected payload %x", event.Payload)
	}

	lg.Topics[0] = common.HexToHash("0x01")
	if _, err := decodeAttestationLog(lg); err == nil {
		t.Fatal("expected error for foreign event")
	}
}

func TestUnpackRead(t *testing.T) {
	out, err := stationABI.Methods["attestations"].Outputs.Pack([]byte("anchored"))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	payload, err := unpackRead(out)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if string(payload) != "anchored" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestNewWithBackendValidatesConfig(t *testing.T) {
	key, _ := crypto.GenerateKey()
	if _, err := NewWithBackend(nil, Config{Key: key, Contract: stationAddress}); err == nil {
		t.Fatal("expected error for nil backend")
	}
	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	defer sim.Close()
	if _, err := NewWithBackend(sim.Client(), Config{Contract: stationAddress}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := NewWithBackend(sim.Client(), Config{Key: key}); err == nil {
		t.Fatal("expected error for missing contract")
	}
}
