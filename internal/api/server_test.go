package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/ingest"
	"github.com/brech1/eigentrust-protocol/internal/policy"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/proof/signature"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *Server
	svc    *aggregator.Service
	admin  *ecdsa.PrivateKey
}

func newFixture(t *testing.T, cfg Config, opts ...Option) fixture {
	t.Helper()
	admin := newKey(t)
	engine, err := policy.NewEngine(context.Background(), policy.WithAdmins(crypto.PubkeyToAddress(admin.PublicKey).Hex()))
	if err != nil {
		t.Fatalf("create policy engine: %v", err)
	}
	manager := proof.NewManager(signature.New(nil), attestation.New(8))
	svc, err := aggregator.New(aggregator.Config{}, manager, aggregator.WithAuthorizer(engine))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	cfg.RequireSignatures = true
	return fixture{server: NewServer(cfg, svc, opts...), svc: svc, admin: admin}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signed(t *testing.T, key *ecdsa.PrivateKey, env aggregator.Envelope) []byte {
	t.Helper()
	env.Timestamp = time.Now().Unix()
	if err := env.Sign(key); err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return raw
}

func opinionEnvelope(target trust.Peer, weight float64) aggregator.Envelope {
	return aggregator.Envelope{
		Kind:     aggregator.KindOpinion,
		Opinions: []aggregator.OpinionEntry{{Target: target, Weight: weight}},
	}
}

func (f fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestSubmitCloseAndQueryScores(t *testing.T) {
	f := newFixture(t, Config{})
	a, b := newKey(t), newKey(t)
	peerA := crypto.PubkeyToAddress(a.PublicKey)
	peerB := crypto.PubkeyToAddress(b.PublicKey)

	rec := f.do(t, http.MethodPost, "/api/v1/opinions", signed(t, a, opinionEnvelope(peerB, 1)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var receipt aggregator.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.ID == "" || receipt.Round != 1 || receipt.Peer != peerA {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/opinions", signed(t, b, opinionEnvelope(peerA, 1))); rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/scores", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first round, got %d", rec.Code)
	}

	closeBody := signed(t, f.admin, aggregator.Envelope{Kind: aggregator.KindClose, Round: 1})
	rec = f.do(t, http.MethodPost, "/api/v1/rounds/close", closeBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("close round: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/scores", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scores: %d %s", rec.Code, rec.Body.String())
	}
	var scores struct {
		Round  uint64 `json:"round"`
		Scores []struct {
			Peer  string  `json:"peer"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &scores); err != nil {
		t.Fatalf("decode scores: %v", err)
	}
	if scores.Round != 1 || len(scores.Scores) != 2 {
		t.Fatalf("unexpected scores %+v", scores)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/scores/"+peerA.Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("peer score: %d", rec.Code)
	}
	var score aggregator.PeerScore
	if err := json.Unmarshal(rec.Body.Bytes(), &score); err != nil {
		t.Fatalf("decode peer score: %v", err)
	}
	if score.Score < 0.49 || score.Score > 0.51 {
		t.Fatalf("unexpected score %v", score.Score)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/rounds/1", nil); rec.Code != http.StatusOK {
		t.Fatalf("round report: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/rounds/current", nil)
	var status aggregator.RoundStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode round status: %v", err)
	}
	if status.Round != 2 || status.Published != 1 {
		t.Fatalf("unexpected round status %+v", status)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	f := newFixture(t, Config{})
	a := newKey(t)
	target := crypto.PubkeyToAddress(newKey(t).PublicKey)

	stale := opinionEnvelope(target, 0.5)
	stale.Round = 7

	forged := opinionEnvelope(target, 0.5)
	forgedRaw := signed(t, a, forged)
	var tampered aggregator.Envelope
	_ = json.Unmarshal(forgedRaw, &tampered)
	tampered.Opinions[0].Weight = 0.9
	tamperedRaw, _ := json.Marshal(tampered)

	cases := []struct {
		name   string
		path   string
		body   []byte
		status int
		code   string
	}{
		{"weight out of range", "/api/v1/opinions", signed(t, a, opinionEnvelope(target, 1.5)), http.StatusBadRequest, string(trust.CodeInvalidWeight)},
		{"malformed json", "/api/v1/opinions", []byte(`{"kind":`), http.StatusBadRequest, string(aggregator.CodeMalformedSubmission)},
		{"wrong endpoint", "/api/v1/attestations", signed(t, a, opinionEnvelope(target, 0.5)), http.StatusBadRequest, string(aggregator.CodeMalformedSubmission)},
		{"stale round", "/api/v1/opinions", signed(t, a, stale), http.StatusConflict, string(proof.CodeStaleRound)},
		{"tampered signature", "/api/v1/opinions", tamperedRaw, http.StatusForbidden, "UNAUTHORIZED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, body.Code)
			}
		})
	}
	if got := f.svc.CurrentRound().Submissions; got != 0 {
		t.Fatalf("invalid submissions must not be buffered, got %d", got)
	}
}

func TestPretrustRequiresAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	outsider := newKey(t)
	peer := crypto.PubkeyToAddress(newKey(t).PublicKey)
	env := aggregator.Envelope{Kind: aggregator.KindPretrust, Weights: []aggregator.WeightEntry{{Peer: peer, Weight: 1}}}

	rec := f.do(t, http.MethodPut, "/api/v1/pretrusted", signed(t, outsider, env))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/pretrusted", signed(t, f.admin, env))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !f.svc.CurrentRound().PretrustStaged {
		t.Fatal("expected staged pre-trust")
	}

	env.Weights[0].Weight = 0.5
	rec = f.do(t, http.MethodPut, "/api/v1/pretrusted", signed(t, f.admin, env))
	if body := decodeError(t, rec); rec.Code != http.StatusBadRequest || body.Code != string(trust.CodeInvalidDistribution) {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
}

func TestSubmitPublishesToQueue(t *testing.T) {
	queue := ingest.NewMemoryQueue(4)
	f := newFixture(t, Config{}, WithProducer(queue))
	a := newKey(t)
	target := crypto.PubkeyToAddress(newKey(t).PublicKey)

	rec := f.do(t, http.MethodPost, "/api/v1/opinions", signed(t, a, opinionEnvelope(target, 0.2)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one queued message, got %d", queue.Len())
	}
	if got := f.svc.CurrentRound().Submissions; got != 0 {
		t.Fatalf("queued submissions must reach the service through the ingestor, got %d", got)
	}
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t, Config{})
	cases := map[string]int{
		"/api/v1/rounds/abc":        http.StatusBadRequest,
		"/api/v1/rounds/42":         http.StatusNotFound,
		"/api/v1/scores/not-a-peer": http.StatusBadRequest,
		"/api/v1/anchors?round=x":   http.StatusBadRequest,
	}
	for path, status := range cases {
		if rec := f.do(t, http.MethodGet, path, nil); rec.Code != status {
			t.Fatalf("%s: expected %d, got %d", path, status, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/anchors", nil); rec.Code != http.StatusOK || rec.Body.String() != "[]" {
		t.Fatalf("unexpected anchors response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1})
	if rec := f.do(t, http.MethodGet, "/api/v1/rounds/current", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/v1/rounds/current", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != string(CodeRateLimited) {
		t.Fatalf("unexpected code %s", body.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must bypass rate limit, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	var health aggregator.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != aggregator.HealthOK || health.ProofBackend != signature.Name {
		t.Fatalf("unexpected health %+v", health)
	}
	rec = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("eigentrust_")) {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}

func TestReplayedCloseEnvelopeRejected(t *testing.T) {
	f := newFixture(t, Config{})
	closeBody := signed(t, f.admin, aggregator.Envelope{Kind: aggregator.KindClose})

	if rec := f.do(t, http.MethodPost, "/api/v1/rounds/close", closeBody); rec.Code != http.StatusOK {
		t.Fatalf("close round: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPost, "/api/v1/rounds/close", closeBody)
	if body := decodeError(t, rec); rec.Code != http.StatusConflict || body.Code != string(aggregator.CodeStaleSubmission) {
		t.Fatalf("expected replayed close to be rejected, got %d %+v", rec.Code, body)
	}
	if got := f.svc.CurrentRound().Round; got != 2 {
		t.Fatalf("replayed close must not advance the round, got %d", got)
	}
}
