package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/observability/metrics"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// Submitter 是接收提交的聚合服务。
type Submitter interface {
	Submit(ctx context.Context, sub aggregator.Submission) (aggregator.Receipt, error)
}

// Stats 汇总消费情况。
type Stats struct {
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

// Ingestor 从队列消费信封并提交给聚合服务。
type Ingestor struct {
	submitter        Submitter
	consumer         Consumer
	workers          int
	requireSignature bool
	logger           *slog.Logger

	processed atomic.Int64
	dropped   atomic.Int64
}

// Option 定义可选配置。
type Option func(*Ingestor)

// WithWorkers 设置消费协程数量。
func WithWorkers(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithSignatureCheck 控制是否校验信封签名。
func WithSignatureCheck(required bool) Option {
	return func(i *Ingestor) { i.requireSignature = required }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIngestor 构造 Ingestor，默认要求签名。
func NewIngestor(submitter Submitter, consumer Consumer, opts ...Option) *Ingestor {
	i := &Ingestor{
		submitter:        submitter,
		consumer:         consumer,
		workers:          4,
		requireSignature: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	if i.logger == nil {
		i.logger = logger.Named("ingest")
	}
	return i
}

// Run 启动消费循环，直到 ctx 结束。
func (i *Ingestor) Run(ctx context.Context) error {
	if i.consumer == nil || i.submitter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置提交队列或聚合服务")
	}
	return i.consumer.Consume(ctx, i.workers, i.handle)
}

// Stats 返回消费计数。
func (i *Ingestor) Stats() Stats {
	return Stats{Processed: i.processed.Load(), Dropped: i.dropped.Load()}
}

// handle 处理单条消息。只有可重试的错误会返回给队列驱动。
func (i *Ingestor) handle(ctx context.Context, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		i.drop("malformed_message", "", err)
		return nil
	}
	sub, err := aggregator.Decode(msg.Envelope, i.requireSignature)
	if err != nil {
		i.drop(string(xerrors.CodeOf(err)), msg.ID, err)
		return nil
	}
	receipt, err := i.submitter.Submit(ctx, aggregator.WithID(sub, msg.ID))
	if err != nil {
		if xerrors.RetryableError(err) {
			i.logger.Warn("提交暂时失败，等待重试", slog.String("id", msg.ID), slog.Any("error", err))
			return err
		}
		i.drop(string(xerrors.CodeOf(err)), msg.ID, err)
		return nil
	}
	i.processed.Add(1)
	i.logger.Debug("提交已进入开放轮次",
		slog.String("id", receipt.ID),
		slog.String("kind", string(receipt.Kind)),
		slog.String("peer", receipt.Peer.Hex()),
		slog.Uint64("round", receipt.Round))
	return nil
}

func (i *Ingestor) drop(reason, id string, err error) {
	i.dropped.Add(1)
	metrics.ObserveDropped(reason)
	i.logger.Warn("丢弃无效消息", slog.String("id", id), slog.String("reason", reason), slog.Any("error", err))
}

// Publish 将已校验的信封包装为消息并投递，返回分配的提交 ID。
func Publish(ctx context.Context, producer Producer, envelope []byte) (Message, error) {
	if producer == nil {
		return Message{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置提交队列")
	}
	msg := Message{ID: uuid.NewString(), Envelope: append([]byte(nil), envelope...), ReceivedAt: time.Now().UTC()}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return Message{}, err
	}
	if err := producer.Publish(ctx, raw); err != nil {
		return Message{}, err
	}
	return msg, nil
}
