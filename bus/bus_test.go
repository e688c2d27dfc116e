package bus

import (
	"context"
	"testing"
	"time"

	"github.com/arctek/aicompany/queue"
	"github.com/arctek/aicompany/store"
)

type recordingSink struct {
	entries []ChatLogEntry
}

func (r *recordingSink) Capture(entry ChatLogEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func newTestBus(t *testing.T) (*Bus, *recordingSink) {
	t.Helper()
	fq, err := queue.NewFileQueue(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sink := &recordingSink{}
	return New(queue.New(fq), st, "W1", sink), sink
}

func TestSendRejectsInvalidEnvelope(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	msg, _ := NewMessage(TypeTaskAssign, "pm", "dev1", map[string]string{"task": "build"})
	msg.ID = ""
	if err := b.Send(ctx, msg); err == nil {
		t.Fatal("expected validation error for empty id")
	}

	msg2, _ := NewMessage("bogus_type", "pm", "dev1", nil)
	if err := b.Send(ctx, msg2); err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}

func TestSendAndPollAndCategorize(t *testing.T) {
	b, sink := newTestBus(t)
	ctx := context.Background()

	msg, err := NewMessage(TypeTaskAssign, "pm", "dev1", map[string]string{"task": "build the thing"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := b.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := b.Poll(ctx, "dev1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("unexpected poll result: %+v", got)
	}

	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 chat log entry, got %d", len(sink.entries))
	}
	if sink.entries[0].Category != CategoryTaskAssignment {
		t.Fatalf("expected task_assignment category, got %s", sink.entries[0].Category)
	}
}

func TestGetMessageHistoryMergesByID(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	m1, _ := NewMessage(TypeTaskComplete, "dev1", "pm", nil)
	m2, _ := NewMessage(TypeEscalate, "dev1", "pm", nil)
	b.Send(ctx, m1)
	b.Send(ctx, m2)
	b.Poll(ctx, "pm", time.Millisecond) // drain, history must survive the ack

	hist, err := b.GetMessageHistory(ctx)
	if err != nil {
		t.Fatalf("GetMessageHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d: %+v", len(hist), hist)
	}
	if hist[0].Timestamp.After(hist[1].Timestamp) {
		t.Fatal("history not sorted by timestamp")
	}
}

func TestBroadcastAppearsOnceInHistory(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	seed1, _ := NewMessage(TypeStatusRequest, "pm", "dev1", nil)
	seed2, _ := NewMessage(TypeStatusRequest, "pm", "qa1", nil)
	b.Send(ctx, seed1)
	b.Send(ctx, seed2)
	b.Poll(ctx, "dev1", time.Millisecond)
	b.Poll(ctx, "qa1", time.Millisecond)

	broadcastMsg, _ := NewMessage(TypeEscalate, "pm", "", map[string]string{"reason": "conflict"})
	if err := b.Broadcast(ctx, broadcastMsg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	hist, err := b.GetMessageHistory(ctx)
	if err != nil {
		t.Fatalf("GetMessageHistory: %v", err)
	}
	count := 0
	for _, m := range hist {
		if m.ID == broadcastMsg.ID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected broadcast to appear once, got %d", count)
	}
}
