package models

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []TaskStatus{StatusQueued, StatusProcessing, StatusRetrying}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityOrderAndUrgency(t *testing.T) {
	order := PriorityOrder()
	want := []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("priority order[%d] = %s, want %s", i, order[i], want[i])
		}
	}

	if !PriorityCritical.Urgent() || !PriorityHigh.Urgent() {
		t.Error("critical and high must be urgent")
	}
	if PriorityNormal.Urgent() || PriorityLow.Urgent() {
		t.Error("normal and low must not be urgent")
	}
	if TaskPriority("asap").Valid() {
		t.Error("unknown priority should be invalid")
	}
}

func TestTaskTypeValidity(t *testing.T) {
	for _, known := range KnownTaskTypes() {
		if !known.Valid() {
			t.Errorf("%s should be valid", known)
		}
	}
	if TaskType("coffee_brewing").Valid() {
		t.Error("unknown type should be invalid")
	}
}

func TestTaskTimeoutFallback(t *testing.T) {
	task := &Task{TimeoutSeconds: 0}
	if got := task.Timeout(10 * time.Minute); got != 10*time.Minute {
		t.Errorf("fallback timeout = %v, want 10m", got)
	}
	task.TimeoutSeconds = 90
	if got := task.Timeout(10 * time.Minute); got != 90*time.Second {
		t.Errorf("explicit timeout = %v, want 90s", got)
	}
}

func TestTaskMessageRoundTrip(t *testing.T) {
	task := &Task{
		ID:         "t1",
		TaskType:   TypeEmbeddingGeneration,
		Priority:   PriorityHigh,
		Payload:    map[string]any{"chunks": []any{"a"}},
		RetryCount: 2,
		MaxRetries: 5,
	}
	msg := NewTaskMessage(task)
	if msg.Attempts != 2 || msg.MaxRetries != 5 {
		t.Fatalf("envelope should carry retry state, got %d/%d", msg.Attempts, msg.MaxRetries)
	}

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalTaskMessage(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.TaskID != "t1" || decoded.TaskType != TypeEmbeddingGeneration || decoded.Priority != PriorityHigh {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	if _, err := UnmarshalTaskMessage([]byte("{")); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
