package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/proof"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []aggregator.Submission
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, sub aggregator.Submission) (aggregator.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return aggregator.Receipt{}, r.err
	}
	r.subs = append(r.subs, sub)
	return aggregator.Receipt{Kind: sub.Kind(), Peer: sub.From(), Round: 1}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func signedEnvelope(t *testing.T, weight float64) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成私钥失败: %v", err)
	}
	target, _ := crypto.GenerateKey()
	env := aggregator.Envelope{
		Kind:      aggregator.KindOpinion,
		Round:     1,
		Opinions:  []aggregator.OpinionEntry{{Target: crypto.PubkeyToAddress(target.PublicKey), Weight: weight}},
		Timestamp: time.Now().Unix(),
	}
	if err := env.Sign(key); err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("编码信封失败: %v", err)
	}
	return raw
}

func TestIngestorDeliversConcurrentSubmissions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(256)
	submitter := &recordingSubmitter{}
	ingestor := NewIngestor(submitter, queue, WithWorkers(8))

	done := make(chan error, 1)
	go func() { done <- ingestor.Run(ctx) }()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := Publish(ctx, queue, signedEnvelope(t, 0.5)); err != nil {
			t.Fatalf("投递失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for submitter.count() < total {
		select {
		case <-deadline:
			t.Fatalf("消息未能及时处理，已完成 %d", submitter.count())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run error: %v", err)
	}
	if stats := ingestor.Stats(); stats.Processed != int64(total) || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngestorDropsMalformedMessages(t *testing.T) {
	submitter := &recordingSubmitter{}
	ingestor := NewIngestor(submitter, NewMemoryQueue(1))
	ctx := context.Background()

	invalidWeight, _ := EncodeMessage(Message{ID: "w", Envelope: signedEnvelope(t, 1.5)})
	garbage, _ := EncodeMessage(Message{ID: "g", Envelope: json.RawMessage(`{"kind":"opinion"}`)})
	for _, raw := range [][]byte{[]byte("not json"), invalidWeight, garbage} {
		if err := ingestor.handle(ctx, raw); err != nil {
			t.Fatalf("malformed messages must not be retried: %v", err)
		}
	}
	if submitter.count() != 0 {
		t.Fatalf("expected no submissions, got %d", submitter.count())
	}
	if stats := ingestor.Stats(); stats.Dropped != 3 {
		t.Fatalf("expected 3 dropped, got %+v", stats)
	}
}

func TestIngestorPropagatesRetryableErrors(t *testing.T) {
	submitter := &recordingSubmitter{err: xerrors.New(xerrors.CodeTimeout, "busy")}
	ingestor := NewIngestor(submitter, NewMemoryQueue(1))
	raw, _ := EncodeMessage(Message{ID: "r", Envelope: signedEnvelope(t, 0.3)})

	if err := ingestor.handle(context.Background(), raw); !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	submitter.err = xerrors.New(proof.CodeStaleRound, "stale")
	if err := ingestor.handle(context.Background(), raw); err != nil {
		t.Fatalf("stale submissions should be dropped, got %v", err)
	}
	if stats := ingestor.Stats(); stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngestorCarriesMessageID(t *testing.T) {
	submitter := &recordingSubmitter{}
	ingestor := NewIngestor(submitter, NewMemoryQueue(1))
	raw, _ := EncodeMessage(Message{ID: "abc", Envelope: signedEnvelope(t, 0.3)})

	if err := ingestor.handle(context.Background(), raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sub, ok := submitter.subs[0].(aggregator.OpinionSubmission)
	if !ok || sub.ID != "abc" {
		t.Fatalf("unexpected submission %#v", submitter.subs[0])
	}
	if sub.Opinions[0].Source != sub.Peer {
		t.Fatal("opinion source must match signer")
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), []byte("x")); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

func TestQueueConstructorsRequireAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("unexpected redis error %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("unexpected rabbitmq error %v", err)
	}
}
