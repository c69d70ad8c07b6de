// Package journal keeps the append-only log of snapshot transitions and
// touched-path sets for one mount. External change-notification subscribers
// attach here; the checkout coordinator appends exactly one record per
// completed checkout.
package journal

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radryc/snapfs/internal/model"
)

// Entry is one journal record: a parent transition plus the set of paths
// whose content may differ across it.
type Entry struct {
	Seq          uint64
	FromParent   model.RootID
	ToParent     model.RootID
	UncleanPaths []string
	Time         time.Time
}

// Subscriber is notified after each appended entry. Callbacks run on the
// appender's goroutine and must not block.
type Subscriber func(Entry)

// Journal is safe for concurrent use.
type Journal struct {
	logger *slog.Logger

	mu          sync.Mutex
	entries     []Entry
	nextSeq     uint64
	memoryBytes uint64
	subscribers map[uuid.UUID]Subscriber
	cancelled   bool
}

// New creates an empty journal.
func New(logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		logger:      logger.With("component", "journal"),
		nextSeq:     1,
		subscribers: make(map[uuid.UUID]Subscriber),
	}
}

func (j *Journal) append(e Entry) {
	e.Seq = j.nextSeq
	j.nextSeq++
	e.Time = time.Now()
	j.entries = append(j.entries, e)
	for _, p := range e.UncleanPaths {
		j.memoryBytes += uint64(len(p))
	}
	j.memoryBytes += uint64(len(e.FromParent) + len(e.ToParent))

	for _, sub := range j.subscribers {
		sub(e)
	}
}

// RecordHashUpdate appends a pure parent transition with no touched paths.
// An empty from marks the initial "no snapshot -> current snapshot" record
// written during mount initialization.
func (j *Journal) RecordHashUpdate(from, to model.RootID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.append(Entry{FromParent: from, ToParent: to})
	j.logger.Debug("recorded hash update", "from", string(from), "to", string(to))
}

// RecordUncleanPaths appends one atomic record for a completed checkout:
// the parent transition plus every path whose content may have changed.
func (j *Journal) RecordUncleanPaths(from, to model.RootID, paths map[string]struct{}) {
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.append(Entry{FromParent: from, ToParent: to, UncleanPaths: sorted})
	j.logger.Debug("recorded unclean paths", "from", string(from), "to", string(to), "paths", len(sorted))
}

// Subscribe registers a callback for future entries and returns its id.
// Subscribing after CancelAllSubscribers is a no-op returning uuid.Nil.
func (j *Journal) Subscribe(fn Subscriber) uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return uuid.Nil
	}
	id := uuid.New()
	j.subscribers[id] = fn
	return id
}

// Unsubscribe removes one subscriber.
func (j *Journal) Unsubscribe(id uuid.UUID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.subscribers, id)
}

// CancelAllSubscribers detaches every subscriber; called during shutdown
// before the inode table is torn down.
func (j *Journal) CancelAllSubscribers() {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.subscribers)
	j.subscribers = make(map[uuid.UUID]Subscriber)
	j.cancelled = true
	j.logger.Debug("cancelled journal subscribers", "count", n)
}

// Entries returns a copy of all records, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Latest returns the newest record, or nil for an empty journal.
func (j *Journal) Latest() *Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return nil
	}
	e := j.entries[len(j.entries)-1]
	return &e
}

// Stats reports the journal's size for the per-mount counters.
func (j *Journal) Stats() (entries int, memoryBytes uint64, duration time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) > 0 {
		duration = j.entries[len(j.entries)-1].Time.Sub(j.entries[0].Time)
	}
	return len(j.entries), j.memoryBytes, duration
}
