package history

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/noona-project/warden/internal/clock"
)

func newTestStore(capacity int) (*Store, *clock.Fixed) {
	fc := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(capacity, fc, log), fc
}

func intp(v int) *int { return &v }

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	s, fc := newTestStore(3)
	for i := 0; i < 5; i++ {
		s.Append("svc", Entry{Type: TypeLog, Message: "line"})
		fc.Advance(time.Second)
	}
	entries, _ := s.GetHistory("svc", nil)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (capacity), got %d", len(entries))
	}
}

func TestHistoryLimitZeroReturnsNoEntriesButSummary(t *testing.T) {
	s, _ := newTestStore(10)
	s.Append("svc", Entry{Type: TypeStatus, Status: "installing", Message: "starting"})
	zero := 0
	entries, summary := s.GetHistory("svc", &zero)
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
	if summary.Status != "installing" {
		t.Fatalf("expected summary status installing, got %q", summary.Status)
	}
}

func TestMirroringPrefixesServiceName(t *testing.T) {
	s, _ := newTestStore(10)
	s.Append("noona-vault", Entry{Type: TypeLog, Message: "ready"})
	entries, _ := s.GetHistory(InstallationService, nil)
	if len(entries) != 1 {
		t.Fatalf("expected 1 mirrored entry, got %d", len(entries))
	}
	if entries[0].Message != "[noona-vault] ready" {
		t.Fatalf("unexpected mirrored message: %q", entries[0].Message)
	}
}

func TestAggregateNeverDowngradesFromInstalled(t *testing.T) {
	s, _ := newTestStore(10)
	s.BeginBatch([]string{"noona-mongo"}, nil)
	s.Append("noona-mongo", Entry{Type: TypeStatus, Status: "installed"})
	s.Append("noona-mongo", Entry{Type: TypeStatus, Status: "installing"})

	agg := s.GetInstallationAggregate()
	if agg.Items[0].Status != AggInstalled {
		t.Fatalf("expected status to stay installed, got %q", agg.Items[0].Status)
	}
}

func TestAggregateErrorIsSticky(t *testing.T) {
	s, _ := newTestStore(10)
	s.BeginBatch([]string{"noona-vault"}, nil)
	s.Append("noona-vault", Entry{Type: TypeError, Status: "error", Error: "boom"})
	s.Append("noona-vault", Entry{Type: TypeStatus, Status: "installing"})

	agg := s.GetInstallationAggregate()
	if agg.Items[0].Status != AggError {
		t.Fatalf("expected error to stay sticky, got %q", agg.Items[0].Status)
	}
}

func TestAggregateStatusAndPercent(t *testing.T) {
	s, _ := newTestStore(10)
	s.BeginBatch([]string{"a", "b"}, nil)
	s.Append("a", Entry{Type: TypeStatus, Status: "installed"})

	agg := s.GetInstallationAggregate()
	if agg.Percent != 50 {
		t.Fatalf("expected 50%%, got %d", agg.Percent)
	}
	if agg.Status != OverallInstalling {
		t.Fatalf("expected installing overall status, got %q", agg.Status)
	}

	s.Append("b", Entry{Type: TypeStatus, Status: "installed"})
	agg = s.GetInstallationAggregate()
	if agg.Status != OverallComplete {
		t.Fatalf("expected complete, got %q", agg.Status)
	}
	if agg.Percent != 100 {
		t.Fatalf("expected 100%%, got %d", agg.Percent)
	}
}

func TestAggregateErrorOverall(t *testing.T) {
	s, _ := newTestStore(10)
	s.BeginBatch([]string{"a", "b"}, nil)
	s.Append("a", Entry{Type: TypeStatus, Status: "installed"})
	s.Append("b", Entry{Type: TypeError, Status: "error", Error: "nope"})

	agg := s.GetInstallationAggregate()
	if agg.Status != OverallError {
		t.Fatalf("expected overall error, got %q", agg.Status)
	}
}

func TestClearErrorOnStatusEntry(t *testing.T) {
	s, _ := newTestStore(10)
	s.Append("svc", Entry{Type: TypeError, Status: "error", Error: "boom"})
	s.Append("svc", Entry{Type: TypeStatus, Status: "running", ClearError: true})

	_, summary := s.GetHistory("svc", nil)
	if summary.Error != "" {
		t.Fatalf("expected error cleared, got %q", summary.Error)
	}
	if summary.Status != "running" {
		t.Fatalf("expected status running, got %q", summary.Status)
	}
}

func TestMirroredArrivalOrderMatchesPerServiceAppendOrder(t *testing.T) {
	s, _ := newTestStore(10)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Append("a", Entry{Type: TypeLog, Message: "one"})
	s.Append("b", Entry{Type: TypeLog, Message: "two"})
	s.Append("a", Entry{Type: TypeLog, Message: "three"})

	want := []string{"[a] one", "[b] two", "[a] three"}
	for _, w := range want {
		select {
		case got := <-ch:
			if got.Message != w {
				t.Fatalf("got %q, want %q", got.Message, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for mirrored entry")
		}
	}
}

func TestSuppressMirrorSkipsInstallationFeed(t *testing.T) {
	s, _ := newTestStore(10)
	s.Append("svc", Entry{Type: TypeLog, Message: "quiet", SuppressMirror: true})
	entries, _ := s.GetHistory(InstallationService, nil)
	if len(entries) != 0 {
		t.Fatalf("expected no mirrored entries, got %d", len(entries))
	}
}

func TestPercentSummaryUpdatedFromProgressEntry(t *testing.T) {
	s, _ := newTestStore(10)
	s.Append("svc", Entry{Type: TypeProgress, Status: "pulling", Percent: intp(42)})
	_, summary := s.GetHistory("svc", nil)
	if summary.Percent == nil || *summary.Percent != 42 {
		t.Fatalf("expected percent 42, got %v", summary.Percent)
	}
}
