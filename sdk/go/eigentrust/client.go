package eigentrust

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with an EigenTrust aggregator node.
// Envelopes are signed with the configured key before they are sent.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	peer       common.Address
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithSigner signs every envelope with key and uses its address as the peer.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
		if key != nil {
			c.peer = crypto.PubkeyToAddress(key.PublicKey)
		}
	}
}

// WithPeer sets the peer address for unsigned envelopes. Only nodes started
// with signatures disabled accept those.
func WithPeer(peer common.Address) Option {
	return func(c *Client) { c.peer = peer }
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Scores is the published global trust snapshot together with the anchoring
// state of its round.
type Scores struct {
	aggregator.Snapshot
	Anchors []anchor.Record `json:"anchors"`
}

// PretrustAck is returned once a pre-trust update is staged.
type PretrustAck struct {
	Status    string `json:"status"`
	Effective uint64 `json:"effective"`
	Peers     int    `json:"peers"`
}

// AnchorQuery filters the anchor listing. Zero fields are ignored.
type AnchorQuery struct {
	Round  uint64
	Status anchor.Status
	Peer   common.Address
}

// APIError represents a structured error returned by the node.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("eigentrust api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("eigentrust api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the node at rawURL. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{baseURL: parsed, httpClient: httpClient, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Peer returns the address envelopes are sent from.
func (c *Client) Peer() common.Address { return c.peer }

// SubmitOpinions sends the local opinions for round. A zero round targets
// whatever round the node has open.
func (c *Client) SubmitOpinions(ctx context.Context, round uint64, opinions []aggregator.OpinionEntry) (aggregator.Receipt, error) {
	env := aggregator.Envelope{Kind: aggregator.KindOpinion, Round: round, Opinions: opinions}
	var receipt aggregator.Receipt
	if err := c.send(ctx, http.MethodPost, "/api/v1/opinions", env, &receipt); err != nil {
		return aggregator.Receipt{}, err
	}
	return receipt, nil
}

// SubmitAttestation sends a proof that the opinion row behind commitment was
// formed correctly in round.
func (c *Client) SubmitAttestation(ctx context.Context, round uint64, commitment attestation.Commitment, proof []byte) (aggregator.Receipt, error) {
	env := aggregator.Envelope{
		Kind:       aggregator.KindAttestation,
		Round:      round,
		Commitment: &commitment,
		Proof:      proof,
	}
	var receipt aggregator.Receipt
	if err := c.send(ctx, http.MethodPost, "/api/v1/attestations", env, &receipt); err != nil {
		return aggregator.Receipt{}, err
	}
	return receipt, nil
}

// UpdatePretrust stages a new pre-trust distribution. It requires a signer
// the node recognises as an administrator.
func (c *Client) UpdatePretrust(ctx context.Context, weights map[common.Address]float64) (PretrustAck, error) {
	entries := make([]aggregator.WeightEntry, 0, len(weights))
	for peer, w := range weights {
		entries = append(entries, aggregator.WeightEntry{Peer: peer, Weight: w})
	}
	env := aggregator.Envelope{Kind: aggregator.KindPretrust, Weights: entries}
	var ack PretrustAck
	if err := c.send(ctx, http.MethodPut, "/api/v1/pretrusted", env, &ack); err != nil {
		return PretrustAck{}, err
	}
	return ack, nil
}

// CloseRound asks the node to close round immediately and returns its report.
func (c *Client) CloseRound(ctx context.Context, round uint64) (aggregator.RoundReport, error) {
	env := aggregator.Envelope{Kind: aggregator.KindClose, Round: round}
	var report aggregator.RoundReport
	if err := c.send(ctx, http.MethodPost, "/api/v1/rounds/close", env, &report); err != nil {
		return aggregator.RoundReport{}, err
	}
	return report, nil
}

// Scores fetches the latest published snapshot.
func (c *Client) Scores(ctx context.Context) (Scores, error) {
	var out Scores
	if err := c.get(ctx, "/api/v1/scores", nil, &out); err != nil {
		return Scores{}, err
	}
	return out, nil
}

// Score fetches the published score of a single peer.
func (c *Client) Score(ctx context.Context, peer common.Address) (aggregator.PeerScore, error) {
	var out aggregator.PeerScore
	if err := c.get(ctx, "/api/v1/scores/"+peer.Hex(), nil, &out); err != nil {
		return aggregator.PeerScore{}, err
	}
	return out, nil
}

// CurrentRound returns the status of the open round.
func (c *Client) CurrentRound(ctx context.Context) (aggregator.RoundStatus, error) {
	var out aggregator.RoundStatus
	if err := c.get(ctx, "/api/v1/rounds/current", nil, &out); err != nil {
		return aggregator.RoundStatus{}, err
	}
	return out, nil
}

// Round returns the report of a closed round still held in history.
func (c *Client) Round(ctx context.Context, round uint64) (aggregator.RoundReport, error) {
	var out aggregator.RoundReport
	endpoint := "/api/v1/rounds/" + strconv.FormatUint(round, 10)
	if err := c.get(ctx, endpoint, nil, &out); err != nil {
		return aggregator.RoundReport{}, err
	}
	return out, nil
}

// Anchors lists anchoring records matching q.
func (c *Client) Anchors(ctx context.Context, q AnchorQuery) ([]anchor.Record, error) {
	query := url.Values{}
	if q.Round != 0 {
		query.Set("round", strconv.FormatUint(q.Round, 10))
	}
	if q.Status != "" {
		query.Set("status", string(q.Status))
	}
	if q.Peer != (common.Address{}) {
		query.Set("peer", q.Peer.Hex())
	}
	var out []anchor.Record
	if err := c.get(ctx, "/api/v1/anchors", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns the node health summary.
func (c *Client) Health(ctx context.Context) (aggregator.Health, error) {
	var out aggregator.Health
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return aggregator.Health{}, err
	}
	return out, nil
}

func (c *Client) seal(env *aggregator.Envelope) error {
	env.Timestamp = c.now().Unix()
	if c.key != nil {
		return env.Sign(c.key)
	}
	if c.peer == (common.Address{}) {
		return errors.New("eigentrust: neither signer nor peer is configured")
	}
	env.Peer = c.peer
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, env aggregator.Envelope, out any) error {
	if err := c.seal(&env); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
