// Package history tracks per-service installation activity in bounded
// rings, mirrors it into a global installation feed, and derives the
// installation-wide aggregate consumed by the dashboard and NDJSON stream.
package history

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/noona-project/warden/internal/clock"
	"github.com/noona-project/warden/internal/events"
)

// InstallationService is the reserved service name whose ring mirrors
// every other service's entries and backs the installation aggregate.
const InstallationService = "installation"

// EntryType classifies a HistoryEntry.
type EntryType string

const (
	TypeLog      EntryType = "log"
	TypeStatus   EntryType = "status"
	TypeProgress EntryType = "progress"
	TypeError    EntryType = "error"
)

// Stream tags a log entry's origin.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Level is the severity of a log or status entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one record appended to a service's history ring.
type Entry struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Stream    Stream    `json:"stream,omitempty"`
	Level     Level     `json:"level,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	Error     string    `json:"error,omitempty"`

	// ClearError, when set on a type=status entry, clears the service
	// summary's sticky error field.
	ClearError bool `json:"-"`
	// SuppressMirror skips step 4 (mirroring into the installation feed)
	// for entries that are bookkeeping only and should not appear twice.
	SuppressMirror bool `json:"-"`
	// SuppressAggregate skips folding this entry's Status into the
	// installation aggregate, for terminal markers appended directly
	// against InstallationService that describe the batch, not a item in it.
	SuppressAggregate bool `json:"-"`
}

// Summary is the latest known state of one service's history ring.
type Summary struct {
	Status    string    `json:"status,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AggregateStatus is the per-item status in the installation aggregate.
type AggregateStatus string

const (
	AggPending    AggregateStatus = "pending"
	AggInstalling AggregateStatus = "installing"
	AggInstalled  AggregateStatus = "installed"
	AggError      AggregateStatus = "error"
)

// AggregateItem is one service's entry in the installation aggregate.
type AggregateItem struct {
	Name      string          `json:"name"`
	Label     string          `json:"label,omitempty"`
	Status    AggregateStatus `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

// OverallStatus is the installation batch's derived status, a distinct
// domain from AggregateStatus (see spec's InstallationAggregate).
type OverallStatus string

const (
	OverallIdle       OverallStatus = "idle"
	OverallInstalling OverallStatus = "installing"
	OverallComplete   OverallStatus = "complete"
	OverallError      OverallStatus = "error"
)

// InstallationAggregate is a computed snapshot, never held as shared
// mutable state by callers.
type InstallationAggregate struct {
	Items   []AggregateItem `json:"items"`
	Percent int             `json:"percent"`
	Status  OverallStatus   `json:"status"`
}

// ring is a fixed-capacity FIFO buffer of entries.
type ring struct {
	entries []Entry
}

func (r *ring) push(e Entry, capacity int) {
	r.entries = append(r.entries, e)
	if over := len(r.entries) - capacity; over > 0 {
		r.entries = r.entries[over:]
	}
}

// recent returns the most recent entries, bounded by limit. A nil limit
// returns every retained entry; a limit of 0 returns none.
func (r *ring) recent(limit *int) []Entry {
	n := len(r.entries)
	if limit != nil {
		want := *limit
		if want < 0 {
			want = 0
		}
		if want < n {
			n = want
		}
	}
	if n == 0 {
		return nil
	}
	out := make([]Entry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Store owns every service's history ring, the global installation
// mirror, and the installation aggregate. All mutation funnels through
// Append and BeginBatch under a single mutex; callers only ever see
// copies or computed snapshots.
type Store struct {
	mu       sync.Mutex
	capacity int
	clock    clock.Clock
	log      *slog.Logger
	bus      *events.Bus[Entry]

	rings     map[string]*ring
	summaries map[string]Summary

	aggregateOrder []string
	aggregateItems map[string]AggregateItem
}

// New returns a ready-to-use Store with the given per-ring capacity.
func New(capacity int, clk clock.Clock, log *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = 500
	}
	return &Store{
		capacity:  capacity,
		clock:     clk,
		log:       log,
		bus:       events.New[Entry](),
		rings:     make(map[string]*ring),
		summaries: make(map[string]Summary),
	}
}

// BeginBatch resets the installation aggregate to one pending item per
// name in order, called once at the start of every installation batch.
func (s *Store) BeginBatch(order []string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.aggregateOrder = append([]string(nil), order...)
	s.aggregateItems = make(map[string]AggregateItem, len(order))
	for _, name := range order {
		label := labels[name]
		if label == "" {
			label = name
		}
		s.aggregateItems[name] = AggregateItem{Name: name, Label: label, Status: AggPending, UpdatedAt: now}
	}
}

// Append records entry against service, mirrors it into the installation
// feed unless suppressed, and folds its status into the installation
// aggregate. It is the sole write path into the store.
func (s *Store) Append(service string, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	e.Service = service

	s.mu.Lock()
	s.appendLocked(service, e)

	var published []Entry
	if service == InstallationService {
		published = append(published, e)
	} else if !e.SuppressMirror {
		mirror := e
		mirror.Service = InstallationService
		mirror.Message = fmt.Sprintf("[%s] %s", service, e.Message)
		s.appendLocked(InstallationService, mirror)
		published = append(published, mirror)
	}

	if e.Status != "" && !e.SuppressAggregate {
		if agg, ok := Classify(e.Status); ok {
			s.applyAggregateLocked(service, agg, e.Detail, e.Timestamp)
		}
	}
	s.mu.Unlock()

	for _, p := range published {
		s.bus.Publish(p)
	}
}

func (s *Store) appendLocked(service string, e Entry) {
	r, ok := s.rings[service]
	if !ok {
		r = &ring{}
		s.rings[service] = r
	}
	r.push(e, s.capacity)

	sum := s.summaries[service]
	switch e.Type {
	case TypeStatus, TypeProgress, TypeError:
		if e.Status != "" {
			sum.Status = e.Status
		}
	}
	if e.Type == TypeError {
		sum.Error = e.Error
	}
	if e.Type == TypeStatus && e.ClearError {
		sum.Error = ""
	}
	if e.Detail != "" {
		sum.Detail = e.Detail
	}
	if e.Percent != nil {
		sum.Percent = e.Percent
	}
	sum.UpdatedAt = e.Timestamp
	s.summaries[service] = sum
}

// Classify centralizes the mapping from a free-form status string to the
// installation aggregate's status domain. Exported so callers that need to
// mirror the same classification elsewhere (the WizardPublisher bridge in
// package engine) don't duplicate the switch.
func Classify(status string) (AggregateStatus, bool) {
	switch strings.ToLower(status) {
	case "installed", "ready", "healthy", "running", "complete", "detected", "configured":
		return AggInstalled, true
	case "error", "failed", "failure":
		return AggError, true
	case "pending", "installing", "pulling", "starting", "exists", "health-check", "waiting", "detecting", "not-found":
		return AggInstalling, true
	default:
		return "", false
	}
}

// applyAggregateLocked folds a classified status into name's aggregate
// item, never downgrading from installed to installing and never
// clearing a sticky error.
func (s *Store) applyAggregateLocked(name string, status AggregateStatus, detail string, at time.Time) {
	item, known := s.aggregateItems[name]
	if !known {
		item = AggregateItem{Name: name, Label: name, Status: AggPending}
		s.aggregateOrder = append(s.aggregateOrder, name)
	}

	switch {
	case item.Status == AggError:
		status = AggError
	case item.Status == AggInstalled && status == AggInstalling:
		status = AggInstalled
	}

	item.Status = status
	if detail != "" {
		item.Detail = detail
	}
	item.UpdatedAt = at
	if s.aggregateItems == nil {
		s.aggregateItems = make(map[string]AggregateItem)
	}
	s.aggregateItems[name] = item
}

// GetHistory returns at most limit most-recent entries for service (all of
// them when limit is nil) along with its current summary.
func (s *Store) GetHistory(service string, limit *int) ([]Entry, Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	if r, ok := s.rings[service]; ok {
		entries = r.recent(limit)
	}
	return entries, s.summaries[service]
}

// GetInstallationAggregate computes the current aggregate snapshot.
func (s *Store) GetInstallationAggregate() InstallationAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]AggregateItem, 0, len(s.aggregateOrder))
	var installed, pending, installing, errored int
	for _, name := range s.aggregateOrder {
		it := s.aggregateItems[name]
		items = append(items, it)
		switch it.Status {
		case AggInstalled:
			installed++
		case AggError:
			errored++
		case AggInstalling:
			installing++
		case AggPending:
			pending++
		}
	}

	total := len(items)
	percent := 0
	if total > 0 {
		percent = int(math.Round(100 * float64(installed) / float64(total)))
	}

	status := OverallIdle
	switch {
	case total == 0:
		status = OverallIdle
	case errored > 0:
		status = OverallError
	case installed == total:
		status = OverallComplete
	case installing > 0 || pending > 0:
		status = OverallInstalling
	}

	return InstallationAggregate{Items: items, Percent: percent, Status: status}
}

// Subscribe returns a channel of installation-feed entries (mirrors plus
// direct installation appends) and a cancel func, consumed by the NDJSON
// handler for the lifetime of one HTTP request.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	return s.bus.Subscribe()
}
