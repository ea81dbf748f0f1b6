package logging

import (
	"testing"
	"time"
)

func TestAuditRingOrdering(t *testing.T) {
	resetLogging()
	optsMu.Lock()
	opts = Options{Enabled: true, Level: "debug"}
	optsMu.Unlock()
	if err := InitAudit(true); err != nil {
		t.Fatalf("InitAudit() error = %v", err)
	}
	defer CloseAudit()

	// One full provider call sequence
	AuditProviderAcquired("maps", "textsearch", 3*time.Millisecond)
	AuditProviderCalled("maps", "textsearch", 120*time.Millisecond, true, "")
	AuditProviderRecorded("maps", "textsearch", 0.032)

	events := RecentAuditEvents(10)
	if len(events) != 3 {
		t.Fatalf("RecentAuditEvents() len = %d, want 3", len(events))
	}

	want := []AuditEventType{AuditProviderAcquire, AuditProviderCall, AuditProviderRecord}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("events[%d].EventType = %s, want %s", i, ev.EventType, want[i])
		}
		if ev.Provider != "maps" || ev.Operation != "textsearch" {
			t.Errorf("events[%d] = %+v, want maps/textsearch", i, ev)
		}
	}
}

func TestAuditRingWrapsAround(t *testing.T) {
	resetLogging()
	optsMu.Lock()
	opts = Options{Enabled: true}
	optsMu.Unlock()
	if err := InitAudit(true); err != nil {
		t.Fatalf("InitAudit() error = %v", err)
	}
	defer CloseAudit()

	for i := 0; i < auditRingSize+5; i++ {
		AuditProviderAcquired("llm.text", "complete", 0)
	}

	events := RecentAuditEvents(0)
	if len(events) != auditRingSize {
		t.Errorf("ring kept %d events, want %d", len(events), auditRingSize)
	}
}

func TestAuditDisabledIsNoop(t *testing.T) {
	resetLogging()
	if err := InitAudit(false); err != nil {
		t.Fatalf("InitAudit() error = %v", err)
	}

	AuditProviderAcquired("browser", "render", 0)
	if got := RecentAuditEvents(5); got != nil {
		t.Errorf("RecentAuditEvents() = %v, want nil when disabled", got)
	}
}
