package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/observability/alerting"
	"github.com/brech1/eigentrust-protocol/internal/web3"
)

type submission struct {
	about   common.Address
	payload []byte
	attempt int
	hash    common.Hash
}

type fakeClient struct {
	mu          sync.Mutex
	submissions []submission
	status      map[common.Hash]web3.TxStatus
	submitErr   error
	events      chan web3.AttestationEvent
	errs        chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		status: make(map[common.Hash]web3.TxStatus),
		events: make(chan web3.AttestationEvent, 8),
		errs:   make(chan error, 1),
	}
}

func (f *fakeClient) ChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "fake"}, nil
}

func (f *fakeClient) SubmitAttestation(_ context.Context, about common.Address, payload []byte, opts web3.SubmitOptions) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	hash := common.BytesToHash([]byte{0xaa, byte(len(f.submissions) + 1)})
	f.submissions = append(f.submissions, submission{about: about, payload: payload, attempt: opts.Attempt, hash: hash})
	f.status[hash] = web3.TxPending
	return hash, nil
}

func (f *fakeClient) SubscribeAttestations(context.Context) (*web3.Subscription, error) {
	return web3.NewSubscription(f.events, f.errs, nil), nil
}

func (f *fakeClient) ReadAttestation(context.Context, common.Address) ([]byte, error) {
	return nil, xerrors.New(xerrors.CodeNotFound, "")
}

func (f *fakeClient) TransactionStatus(_ context.Context, hash common.Hash) (web3.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[hash]
	if !ok {
		return web3.TxUnknown, nil
	}
	return status, nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func (f *fakeClient) setStatus(hash common.Hash, status web3.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[hash] = status
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func (s *memoryStore) SaveAnchor(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	s.records[r.ID] = r
	return nil
}

func (s *memoryStore) get(id string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func testRequest() Request {
	return Request{
		Round:      3,
		Peer:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Commitment: attestation.Commitment{0x01, 0x02},
		Payload:    []byte{0xc0, 0x01},
	}
}

func newTestAnchorer(client web3.Client, cfg Config, opts ...Option) (*Anchorer, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clk.Now))
	return New(client, cfg, opts...), clk
}

func TestAnchorReturnsPendingImmediately(t *testing.T) {
	client := newFakeClient()
	store := &memoryStore{}
	a, _ := newTestAnchorer(client, Config{}, WithStore(store))

	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.NotEqual(t, common.Hash{}, rec.TxHash)
	require.Len(t, client.submitted(), 1)
	require.Equal(t, 0, client.submitted()[0].attempt)
	require.Equal(t, StatusPending, store.get(rec.ID).Status)
}

func TestAnchorRejectsEmptyPayload(t *testing.T) {
	a, _ := newTestAnchorer(newFakeClient(), Config{})
	req := testRequest()
	req.Payload = nil
	_, err := a.Anchor(context.Background(), req)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestNonRetryableSubmitErrorFailsRecord(t *testing.T) {
	client := newFakeClient()
	client.submitErr = xerrors.New(xerrors.CodeInvalidArgument, "bad calldata")
	a, _ := newTestAnchorer(client, Config{})

	rec, err := a.Anchor(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, string(xerrors.CodeInvalidArgument), rec.ErrorCode)
}

func TestRetryableSubmitErrorStaysPending(t *testing.T) {
	client := newFakeClient()
	client.submitErr = errors.New("connection reset")
	a, _ := newTestAnchorer(client, Config{})

	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, "connection reset", rec.LastError)
}

func TestReorgDemotesConfirmedAndResubmits(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAnchorer(client, Config{})
	ctx := context.Background()

	rec, err := a.Anchor(ctx, testRequest())
	require.NoError(t, err)
	first := rec.TxHash

	require.True(t, a.OnConfirmation(first, 10))
	got, _ := a.Get(rec.ID)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Equal(t, uint64(10), got.BlockNumber)

	require.True(t, a.OnReorg(first))
	got, _ = a.Get(rec.ID)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Reorgs)
	require.Equal(t, string(CodeLedgerReorg), got.ErrorCode)

	select {
	case report := <-a.Reports():
		require.True(t, xerrors.HasCode(report.Err, CodeLedgerReorg))
	default:
		t.Fatal("expected a reorg report")
	}

	a.sweep(ctx)
	subs := client.submitted()
	require.Len(t, subs, 2)
	require.Equal(t, 1, subs[1].attempt)
	require.Equal(t, subs[0].payload, subs[1].payload)

	got, _ = a.Get(rec.ID)
	require.Equal(t, subs[1].hash, got.TxHash)
	require.Equal(t, []common.Hash{first, subs[1].hash}, got.TxHistory)

	require.False(t, a.OnReorg(first), "stale hash must not demote again")
	require.True(t, a.OnConfirmation(subs[1].hash, 11))
	got, _ = a.Get(rec.ID)
	require.Equal(t, StatusConfirmed, got.Status)
}

func TestReorgIgnoresPendingRecords(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAnchorer(client, Config{})
	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, a.OnReorg(rec.TxHash))
	require.False(t, a.OnReorg(common.HexToHash("0xdead")))
}

func TestTimeoutBeyondRetryCapFails(t *testing.T) {
	client := newFakeClient()
	mem := alerting.NewMemoryNotifier(8)
	a, clk := newTestAnchorer(client, Config{ConfirmTimeout: time.Minute, RetryCap: 1},
		WithAlertDispatcher(alerting.NewFanout(mem)))
	ctx := context.Background()

	rec, err := a.Anchor(ctx, testRequest())
	require.NoError(t, err)

	a.sweep(ctx)
	require.Len(t, client.submitted(), 1, "nothing is due before the confirmation timeout")

	clk.Advance(2 * time.Minute)
	a.sweep(ctx)
	require.Len(t, client.submitted(), 2, "first timeout resubmits")
	got, _ := a.Get(rec.ID)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Timeouts)

	clk.Advance(2 * time.Minute)
	a.sweep(ctx)
	require.Len(t, client.submitted(), 2)
	got, _ = a.Get(rec.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, string(CodeAnchorTimeout), got.ErrorCode)

	select {
	case report := <-a.Reports():
		require.True(t, xerrors.HasCode(report.Err, CodeAnchorTimeout))
		require.Equal(t, rec.ID, report.Record.ID)
	default:
		t.Fatal("expected a timeout report")
	}
	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, CodeAnchorTimeout, events[0].Code)
	require.Equal(t, uint64(3), events[0].Round)

	require.False(t, a.OnConfirmation(got.TxHash, 20), "failed records stay failed")
	require.Equal(t, Stats{Failed: 1}, a.Stats())
}

func TestSweepConfirmsFromReceipt(t *testing.T) {
	client := newFakeClient()
	a, clk := newTestAnchorer(client, Config{ConfirmTimeout: time.Minute})
	ctx := context.Background()

	rec, err := a.Anchor(ctx, testRequest())
	require.NoError(t, err)
	client.setStatus(rec.TxHash, web3.TxSuccess)

	clk.Advance(2 * time.Minute)
	a.sweep(ctx)
	got, _ := a.Get(rec.ID)
	require.Equal(t, StatusConfirmed, got.Status)
	require.Len(t, client.submitted(), 1)
}

func TestSweepFailsRevertedTransaction(t *testing.T) {
	client := newFakeClient()
	a, clk := newTestAnchorer(client, Config{ConfirmTimeout: time.Minute})
	ctx := context.Background()

	rec, err := a.Anchor(ctx, testRequest())
	require.NoError(t, err)
	client.setStatus(rec.TxHash, web3.TxFailed)

	clk.Advance(2 * time.Minute)
	a.sweep(ctx)
	got, _ := a.Get(rec.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, string(xerrors.CodeChainFailure), got.ErrorCode)
}

func TestAwaitWaitsForTerminalStatus(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAnchorer(client, Config{})
	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)

	done := make(chan Record, 1)
	go func() {
		out, err := a.Await(context.Background(), rec.ID)
		if err == nil {
			done <- out
		}
	}()
	time.Sleep(10 * time.Millisecond)
	a.OnConfirmation(rec.TxHash, 5)

	select {
	case out := <-done:
		require.Equal(t, StatusConfirmed, out.Status)
	case <-time.After(time.Second):
		t.Fatal("await did not return")
	}
}

func TestAwaitHonoursCancellation(t *testing.T) {
	a, _ := newTestAnchorer(newFakeClient(), Config{})
	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := a.Await(ctx, rec.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusPending, out.Status)

	_, err = a.Await(context.Background(), "missing")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestRunConsumesSubscriptionEvents(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAnchorer(client, Config{SweepInterval: time.Hour})
	rec, err := a.Anchor(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	client.events <- web3.AttestationEvent{TxHash: rec.TxHash, BlockNumber: 7}
	require.Eventually(t, func() bool {
		got, _ := a.Get(rec.ID)
		return got.Status == StatusConfirmed
	}, time.Second, 5*time.Millisecond)

	client.events <- web3.AttestationEvent{TxHash: rec.TxHash, Removed: true}
	require.Eventually(t, func() bool {
		return len(client.submitted()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestListFiltersAndOrders(t *testing.T) {
	client := newFakeClient()
	a, clk := newTestAnchorer(client, Config{})
	ctx := context.Background()

	first, err := a.Anchor(ctx, testRequest())
	require.NoError(t, err)
	clk.Advance(time.Second)
	req := testRequest()
	req.Round = 4
	second, err := a.Anchor(ctx, req)
	require.NoError(t, err)
	a.OnConfirmation(second.TxHash, 9)

	all := a.List(Filter{})
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID)

	confirmed := a.List(Filter{Status: StatusConfirmed})
	require.Len(t, confirmed, 1)
	require.Equal(t, second.ID, confirmed[0].ID)

	require.Len(t, a.List(Filter{Round: 3}), 1)
	require.Equal(t, Stats{Pending: 1, Confirmed: 1}, a.Stats())
}
