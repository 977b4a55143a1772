package opctx

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestNewTracker(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	if tracker == nil {
		t.Error("Expected tracker to be created")
	}
}

func TestTrackerStartAssignsUniqueIDs(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	first := tracker.Start()
	second := tracker.Start()

	if first.ID() == "" || second.ID() == "" {
		t.Error("Expected non-empty operation ids")
	}

	if first.ID() == second.ID() {
		t.Errorf("Expected unique operation ids, both were %s", first.ID())
	}
}

func TestTrackerWithClock(t *testing.T) {
	at := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := New().WithClock(clockz.NewFakeClockAt(at))
	defer tracker.Close()

	op := tracker.Start()

	if !op.StartedAt().Equal(at) {
		t.Errorf("Expected startedAt %v, got %v", at, op.StartedAt())
	}
}

func TestTrackerWithIDSource(t *testing.T) {
	tracker := New().WithIDSource(func() string { return "fixed-id" })
	defer tracker.Close()

	op := tracker.Start()

	if op.ID() != "fixed-id" {
		t.Errorf("Expected id 'fixed-id', got %s", op.ID())
	}
}

func TestOnCompleteHandlerCalled(t *testing.T) {
	tracker := New().WithIDSource(func() string { return "op-1" })
	defer tracker.Close()

	var got []Report
	tracker.OnComplete(func(report Report) {
		got = append(got, report)
	})

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 completion report, got %d", len(got))
	}

	if got[0].OperationID != "op-1" {
		t.Errorf("Expected operation id 'op-1', got %s", got[0].OperationID)
	}

	if got[0].Status != StatusEnded {
		t.Errorf("Expected status ended, got %s", got[0].Status)
	}

	if got[0].Failed() {
		t.Error("Expected clean completion report")
	}
}

func TestCompletionReportOnFailure(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	var got []Report
	tracker.OnComplete(func(report Report) {
		got = append(got, report)
	})

	op := tracker.Start()
	op.CreateError("X")

	if len(got) != 1 {
		t.Fatalf("Expected 1 completion report, got %d", len(got))
	}

	if got[0].Status != StatusFailed {
		t.Errorf("Expected status failed, got %s", got[0].Status)
	}

	if len(got[0].Errors) != 1 || got[0].Errors[0] != "X" {
		t.Errorf("Expected errors ['X'], got %v", got[0].Errors)
	}
}

func TestCompletionReportedOnce(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	reports := 0
	tracker.OnComplete(func(_ Report) {
		reports++
	})

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	// Additional errors after the terminal transition do not re-report.
	op.CreateError("late")

	if reports != 1 {
		t.Errorf("Expected exactly 1 completion report, got %d", reports)
	}
}

func TestRemoveHandler(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	called := false
	id := tracker.OnComplete(func(_ Report) {
		called = true
	})

	tracker.RemoveHandler(id)

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if called {
		t.Error("Expected removed handler not to be called")
	}
}

func TestHandlerPanicHook(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	var panicked uint64
	tracker.SetPanicHook(func(handlerID uint64, _ interface{}) {
		panicked = handlerID
	})

	id := tracker.OnComplete(func(_ Report) {
		panic("handler failure")
	})

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if panicked != id {
		t.Errorf("Expected panic hook for handler %d, got %d", id, panicked)
	}
}

func TestAsyncHandlerWithWorkerPool(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	if err := tracker.EnableWorkerPool(2, 10); err != nil {
		t.Fatalf("EnableWorkerPool failed: %v", err)
	}

	done := make(chan Report, 1)
	tracker.OnCompleteAsync(func(report Report) {
		done <- report
	})

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	select {
	case report := <-done:
		if report.Status != StatusEnded {
			t.Errorf("Expected status ended, got %s", report.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Async handler never called")
	}
}

func TestEnableWorkerPoolValidation(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	if err := tracker.EnableWorkerPool(0, 10); err == nil {
		t.Error("Expected error for 0 workers")
	}

	if err := tracker.EnableWorkerPool(2, 0); err == nil {
		t.Error("Expected error for 0 queue size")
	}

	if err := tracker.EnableWorkerPool(2, 10); err != nil {
		t.Fatalf("EnableWorkerPool failed: %v", err)
	}

	if err := tracker.EnableWorkerPool(2, 10); err == nil {
		t.Error("Expected error for double enable")
	}
}

func TestAddCollector(t *testing.T) {
	tracker := New()
	defer tracker.Close()

	collector := NewCollector("completions", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	tracker.AddCollector(collector)

	op := tracker.Start()
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	reports := collector.Export()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 collected report, got %d", len(reports))
	}

	if reports[0].OperationID != op.ID() {
		t.Errorf("Expected operation id %s, got %s", op.ID(), reports[0].OperationID)
	}
}

func TestTrackerClose(t *testing.T) {
	tracker := New()

	called := false
	tracker.OnComplete(func(_ Report) {
		called = true
	})

	// Force the id pool into existence, then close everything.
	op := tracker.Start()
	tracker.Close()

	// Terminal transitions after Close no longer reach handlers.
	if err := op.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if called {
		t.Error("Expected no handler calls after Close")
	}

	// Close is safe to call twice.
	tracker.Close()
}
