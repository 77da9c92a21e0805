package ingest

import (
	"context"
	"encoding/json"
	"time"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
)

// Handler 处理来自消息队列的一条原始消息。
type Handler func(ctx context.Context, raw []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, raw []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Message 是队列中传输的提交信封。
type Message struct {
	ID         string          `json:"id"`
	Envelope   json.RawMessage `json:"envelope"`
	ReceivedAt time.Time       `json:"received_at"`
}

// EncodeMessage 序列化消息。
func EncodeMessage(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码队列消息失败")
	}
	return raw, nil
}

// DecodeMessage 解析消息。
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析队列消息失败")
	}
	if m.ID == "" || len(m.Envelope) == 0 {
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少 id 或 envelope")
	}
	return m, nil
}
