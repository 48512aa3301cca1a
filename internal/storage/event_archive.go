package storage

import (
	"context"
	"sync"
	"time"

	"github.com/reward-settler/internal/logging"
)

// ArchivedEvent is one evaluated engagement as written to ClickHouse
type ArchivedEvent struct {
	ProviderEventID string
	EventType       string
	Action          string
	ActorFID        int64
	TargetFID       int64
	TargetCastHash  string
	CreatorAddress  string
	ActorAddress    string
	TokenAddress    string
	Amount          string
	Decision        string
	LedgerEntryID   string
	EventTime       time.Time
}

// ArchiveWriter persists archived events. *ClickHouseDB implements it.
type ArchiveWriter interface {
	InsertEvents(ctx context.Context, events []ArchivedEvent) error
}

// EventArchive buffers evaluated engagements and writes them to ClickHouse
// in batches. Archive writes never block or fail ingestion.
type EventArchive struct {
	db        ArchiveWriter
	maxBuffer int

	mu     sync.Mutex
	buffer []ArchivedEvent
}

// NewEventArchive creates an archive writing up to maxBuffer events per
// insert. Up to four inserts' worth is held while the store is down.
func NewEventArchive(db ArchiveWriter, maxBuffer int) *EventArchive {
	if maxBuffer <= 0 {
		maxBuffer = 500
	}
	return &EventArchive{db: db, maxBuffer: maxBuffer}
}

// Record queues an event. When the buffer is full the oldest half is dropped.
func (a *EventArchive) Record(ev ArchivedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) >= a.maxBuffer*4 {
		a.buffer = append(a.buffer[:0], a.buffer[len(a.buffer)/2:]...)
	}
	a.buffer = append(a.buffer, ev)
}

// Flush writes buffered events in inserts of at most maxBuffer. Events not
// yet written when an insert fails are kept for the next flush.
func (a *EventArchive) Flush(ctx context.Context) error {
	a.mu.Lock()
	pending := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	for len(pending) > 0 {
		n := min(len(pending), a.maxBuffer)
		if err := a.db.InsertEvents(ctx, pending[:n]); err != nil {
			a.mu.Lock()
			a.buffer = append(pending, a.buffer...)
			a.mu.Unlock()
			return err
		}
		pending = pending[n:]
	}
	return nil
}

// Run flushes on the given interval until ctx is cancelled, then flushes once more
func (a *EventArchive) Run(ctx context.Context, interval time.Duration) {
	logger := logging.FromContext(ctx).WithField("component", "event_archive")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.Flush(flushCtx); err != nil {
				logger.WithError(err).Warn("Final archive flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				logger.WithError(err).Warn("Archive flush failed, will retry")
			}
		}
	}
}

// Buffered returns the number of events waiting to be written
func (a *EventArchive) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
