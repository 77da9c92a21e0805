package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/web3"
)

// Backend 是客户端所需的链访问能力，*ethclient.Client 与 simulated.Client 均满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*coretypes.Transaction, bool, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name     string
	RPCURL   string
	WSURL    string
	Contract common.Address
	Key      *ecdsa.PrivateKey
	// GasLimit 为 0 时使用估算值加 20% 余量。
	GasLimit uint64
	// TipBumpPercent 是每次重试的小费上调比例。
	TipBumpPercent int
	Notes          string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name     string
	notes    string
	backend  Backend
	events   Backend
	closers  []func()
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64
	tipBump  int

	mu      sync.Mutex
	chainID *big.Int
	submit  sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewWithBackend(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closers = append(client.closers, eth.Close)

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" && wsURL != rpcURL {
		if ws, wsErr := ethclient.DialContext(ctx, wsURL); wsErr == nil {
			client.events = ws
			client.closers = append(client.closers, ws.Close)
		}
	}
	return client, nil
}

// NewWithBackend wraps an existing backend, e.g. a simulated chain in tests.
func NewWithBackend(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("链访问后端不能为空")
	}
	if cfg.Key == nil {
		return nil, errors.New("未配置交易签名私钥")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("未配置 AttestationStation 合约地址")
	}
	bump := cfg.TipBumpPercent
	if bump <= 0 {
		bump = 12
	}
	return &Client{
		name:     cfg.Name,
		notes:    cfg.Notes,
		backend:  backend,
		events:   backend,
		contract: cfg.Contract,
		key:      cfg.Key,
		from:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		gasLimit: cfg.GasLimit,
		tipBump:  bump,
	}, nil
}

// Account returns the address used to sign attestations.
func (c *Client) Account() common.Address { return c.from }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	c.chainID = id
	return id, nil
}

// ChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) ChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.loadChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: height,
		Account:     c.from,
		Contract:    c.contract,
		Notes:       c.notes,
	}, nil
}

// SubmitAttestation signs and broadcasts an EIP-1559 attest transaction.
// Every call fetches a fresh pending nonce; later attempts raise the tip.
func (c *Client) SubmitAttestation(ctx context.Context, about common.Address, payload []byte, opts web3.SubmitOptions) (common.Hash, error) {
	data, err := packAttest(about, payload)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 attest 调用失败")
	}
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	// 串行化同一账户的 nonce 分配与广播。
	c.submit.Lock()
	defer c.submit.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 nonce 失败")
	}
	tip, feeCap, err := c.fees(ctx, opts.Attempt)
	if err != nil {
		return common.Hash{}, err
	}
	gas := opts.GasLimit
	if gas == 0 {
		gas = c.gasLimit
	}
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From: c.from, To: &c.contract, GasTipCap: tip, GasFeeCap: feeCap, Data: data,
		})
		if err != nil {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "估算 gas 失败")
		}
		gas = estimated * 12 / 10
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.contract,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败",
			xerrors.WithMetadata("nonce", fmt.Sprint(nonce)))
	}
	return signed.Hash(), nil
}

func (c *Client) fees(ctx context.Context, attempt int) (*big.Int, *big.Int, error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取小费建议失败")
	}
	if attempt > 0 {
		factor := big.NewInt(int64(100 + c.tipBump*attempt))
		tip = new(big.Int).Div(new(big.Int).Mul(tip, factor), big.NewInt(100))
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取区块头失败")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return tip, feeCap, nil
}

// SubscribeAttestations streams AttestationCreated logs emitted for this
// node's account. Removed logs are forwarded so the anchor can react to reorgs.
func (c *Client) SubscribeAttestations(ctx context.Context) (*web3.Subscription, error) {
	query := gethcore.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{attestationEventID()},
			{common.BytesToHash(c.from.Bytes())},
		},
	}
	logs := make(chan coretypes.Log, 64)
	sub, err := c.events.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅事件失败")
	}

	subCtx, cancel := context.WithCancel(ctx)
	events := make(chan web3.AttestationEvent, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					errs <- xerrors.Wrap(xerrors.CodeChainFailure, err, "事件订阅中断")
				}
				return
			case lg := <-logs:
				event, err := decodeAttestationLog(lg)
				if err != nil {
					continue
				}
				select {
				case events <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return web3.NewSubscription(events, errs, cancel), nil
}

// ReadAttestation returns the last payload this node anchored about a peer.
func (c *Client) ReadAttestation(ctx context.Context, about common.Address) ([]byte, error) {
	data, err := packRead(c.from, about)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 attestations 调用失败")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: c.from, To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取链上证明失败")
	}
	if len(out) == 0 {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "节点 %s 没有链上证明", about.Hex())
	}
	payload, err := unpackRead(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码链上证明失败")
	}
	if len(payload) == 0 {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "节点 %s 没有链上证明", about.Hex())
	}
	return payload, nil
}

// TransactionStatus reports the receipt status of a transaction.
func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (web3.TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == coretypes.ReceiptStatusSuccessful {
			return web3.TxSuccess, nil
		}
		return web3.TxFailed, nil
	case !errors.Is(err, gethcore.NotFound):
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
	}

	_, _, err = c.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		return web3.TxPending, nil
	case errors.Is(err, gethcore.NotFound):
		return web3.TxUnknown, nil
	default:
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易失败")
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
