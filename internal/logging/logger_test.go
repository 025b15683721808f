package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_SameCategoryReturnsSameLogger(t *testing.T) {
	a := Get(CategoryBus)
	b := Get(CategoryBus)
	if a != b {
		t.Error("expected cached logger for repeated Get of same category")
	}
}

func TestCategorizedOutput(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetBackend(zap.New(core))
	defer SetBackend(zap.NewNop())

	Bus("delivered %d envelopes", 3)
	PoolDebug("capacity %d", 5)
	Get(CategorySupervisor).Warn("phase %s stalled", "research")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "bus" {
		t.Errorf("expected logger name 'bus', got %q", entries[0].LoggerName)
	}
	if entries[0].Message != "delivered 3 envelopes" {
		t.Errorf("unexpected message: %q", entries[0].Message)
	}
	if entries[1].Level != zap.DebugLevel {
		t.Errorf("expected debug level, got %v", entries[1].Level)
	}
	if entries[2].LoggerName != "supervisor" {
		t.Errorf("expected logger name 'supervisor', got %q", entries[2].LoggerName)
	}
}

func TestNoopBeforeInitialize(t *testing.T) {
	SetBackend(zap.NewNop())
	// Must not panic.
	Swarm("run %s finished", "s-1")
	Get(CategoryQuality).Error("no backend")
}
