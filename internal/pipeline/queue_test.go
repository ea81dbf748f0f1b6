package pipeline

import (
	"fmt"
	"testing"
	"time"
)

func progressEvent(stage int, msg string) Event {
	return Event{
		Type:    EventProgress,
		RunID:   "q",
		stage:   stage,
		Payload: ProgressPayload{Stage: stage, Message: msg},
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewEventQueue(16)
	q.Emit(Event{Type: EventStarted, RunID: "q"})
	q.Emit(progressEvent(1, "a"))
	q.Emit(progressEvent(2, "b"))
	q.Emit(Event{Type: EventComplete, RunID: "q"})

	var got []EventType
	for ev := range q.Events() {
		got = append(got, ev.Type)
	}
	want := []EventType{EventStarted, EventProgress, EventProgress, EventComplete}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueueClosesAfterTerminal(t *testing.T) {
	q := NewEventQueue(16)
	q.Emit(Event{Type: EventError, RunID: "q"})
	q.Emit(Event{Type: EventProgress, RunID: "q", stage: 1})

	n := 0
	for range q.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("got %d events after terminal, want 1", n)
	}
	q.Wait()
}

func TestQueueCoalescesProgressWhenFull(t *testing.T) {
	// No consumer while emitting: the pump takes one event off the
	// pending list and blocks on delivery, the rest pile up.
	q := NewEventQueue(4)
	q.Emit(progressEvent(3, "first"))
	time.Sleep(20 * time.Millisecond) // let the pump take the head

	for i := 0; i < 4; i++ {
		q.Emit(progressEvent(4, fmt.Sprintf("fill-%d", i)))
	}
	// Queue is at the bound now; these must coalesce into the newest
	// pending frame per stage instead of growing the list.
	q.Emit(progressEvent(4, "final-4"))
	q.Emit(progressEvent(3, "final-3"))
	q.Emit(Event{Type: EventComplete, RunID: "q"})

	var progress []ProgressPayload
	sawComplete := false
	for ev := range q.Events() {
		switch ev.Type {
		case EventProgress:
			progress = append(progress, ev.Payload.(ProgressPayload))
		case EventComplete:
			sawComplete = true
		}
	}

	if !sawComplete {
		t.Fatal("complete frame was dropped")
	}
	last := map[int]string{}
	for _, p := range progress {
		last[p.Stage] = p.Message
	}
	if last[4] != "final-4" {
		t.Errorf("last stage-4 message = %q, want final-4", last[4])
	}
	if got := len(progress); got > 5 {
		t.Errorf("pending progress grew past the bound: %d frames", got)
	}
}

func TestQueueNeverDropsCriticalWhenFull(t *testing.T) {
	q := NewEventQueue(2)
	q.Emit(progressEvent(1, "x"))
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 2; i++ {
		q.Emit(progressEvent(2, "y"))
	}
	// At the bound: critical frames must still land.
	for i := 0; i < 5; i++ {
		q.Emit(Event{Type: EventCompanyComplete, RunID: "q", Payload: CompanyPayload{Company: fmt.Sprintf("c%d", i)}})
	}
	q.Emit(Event{Type: EventComplete, RunID: "q"})

	companies := 0
	for ev := range q.Events() {
		if ev.Type == EventCompanyComplete {
			companies++
		}
	}
	if companies != 5 {
		t.Errorf("delivered %d company_complete frames, want 5", companies)
	}
}

func TestQueueEmitAfterCloseIsNoop(t *testing.T) {
	q := NewEventQueue(8)
	q.Emit(Event{Type: EventComplete, RunID: "q"})
	q.Emit(Event{Type: EventCompanyComplete, RunID: "q"})

	types := []EventType{}
	for ev := range q.Events() {
		types = append(types, ev.Type)
	}
	if len(types) != 1 || types[0] != EventComplete {
		t.Errorf("got %v, want only the complete frame", types)
	}
}
