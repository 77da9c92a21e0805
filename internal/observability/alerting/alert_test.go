package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "failing" }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("boom")
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	var buf bytes.Buffer
	memory := NewMemoryNotifier(2)
	fanout := NewFanout(&LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}, memory, failingNotifier{})

	err := fanout.Notify(context.Background(), Event{
		Code:     xerrors.CodeTimeout,
		Message:  "anchor timed out",
		Severity: xerrors.SeverityWarning,
		Round:    4,
		Metadata: map[string]string{"tx": "0x01"},
	})
	if err == nil {
		t.Fatal("expected failing channel error")
	}

	events := memory.Events()
	if len(events) != 1 || events[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected memory events %+v", events)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["meta.tx"] != "0x01" || entry["round"] != float64(4) {
		t.Fatalf("unexpected log entry %+v", entry)
	}
}

func TestMemoryNotifierKeepsLatest(t *testing.T) {
	memory := NewMemoryNotifier(2)
	for i := 1; i <= 3; i++ {
		_ = memory.Notify(context.Background(), Event{Round: uint64(i)})
	}
	events := memory.Events()
	if len(events) != 2 || events[0].Round != 2 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeChainFailure, "rpc down", xerrors.WithMetadata("chain", "sepolia"))
	event := FromError("anchor", err)
	if event.Code != xerrors.CodeChainFailure || event.Metadata["chain"] != "sepolia" {
		t.Fatalf("unexpected event %+v", event)
	}
}
