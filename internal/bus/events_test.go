package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []RunEvent
	err    error
}

func (s *recordingSink) AppendEvent(_ context.Context, ev RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestEmitter_StampsSequenceAndIteration(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	sink := &recordingSink{}

	em := NewEmitter(b, sink, "run-1", nil)
	em.SetIteration(3)
	em.Emit(TopicTaskStart, "A", TaskStart{TaskID: "A", Attempt: 1})
	em.SetIteration(4)
	em.Emit(TopicTaskComplete, "A", TaskComplete{TaskID: "A", Output: "ok"})

	if len(sink.events) != 2 {
		t.Fatalf("sink got %d events, want 2", len(sink.events))
	}
	for i, want := range []struct {
		seq  int64
		iter int
		typ  string
	}{{1, 3, TopicTaskStart}, {2, 4, TopicTaskComplete}} {
		select {
		case ev := <-sub.Ch():
			re := ev.Payload.(RunEvent)
			if re.Seq != want.seq || re.Iteration != want.iter || re.Type != want.typ || re.RunID != "run-1" {
				t.Fatalf("event %d = %+v, want seq=%d iter=%d type=%s", i, re, want.seq, want.iter, want.typ)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestEmitter_SinkErrorStillPublishes(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicBudgetWarning)
	defer b.Unsubscribe(sub)

	em := NewEmitter(b, &recordingSink{err: errors.New("disk full")}, "run-1", nil)
	em.Emit(TopicBudgetWarning, "", BudgetWarning{UsageRatio: 0.9})

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("event should be published even when the sink fails")
	}
}

func TestEmitter_ResumeFrom(t *testing.T) {
	sink := &recordingSink{}
	em := NewEmitter(nil, sink, "run-1", nil)
	em.ResumeFrom(41)
	em.Emit(TopicRunStarted, "", nil)
	if sink.events[0].Seq != 42 {
		t.Fatalf("seq = %d, want 42", sink.events[0].Seq)
	}
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var em *Emitter
	em.SetIteration(1)
	em.Emit(TopicTaskStart, "A", nil)
	if em.RunID() != "" {
		t.Fatal("nil emitter should have empty run id")
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	ev := RunEvent{Seq: 7, Type: TopicTaskFailed, TaskID: "A", Iteration: 2}
	if !d.First(ev) {
		t.Fatal("first delivery should pass")
	}
	if d.First(ev) {
		t.Fatal("duplicate delivery should be dropped")
	}
	ev.Iteration = 3
	if !d.First(ev) {
		t.Fatal("same transition in a later iteration is a new event")
	}
	a := RunEvent{Type: TopicCheckpointSaved, Iteration: 5, Discriminator: "cp-1"}
	b := RunEvent{Type: TopicCheckpointSaved, Iteration: 5, Discriminator: "cp-2"}
	if a.DedupKey() == b.DedupKey() {
		t.Fatal("discriminator should separate task-less events")
	}
}
