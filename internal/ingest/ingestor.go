// Package ingest turns webhook deliveries into pending ledger entries and
// notification token changes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/identity"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/retry"
	"github.com/reward-settler/internal/reward"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
)

var (
	// ErrQueueFull means the event was not accepted; the provider should redeliver
	ErrQueueFull = errors.New("ingest queue is full")
	// ErrStopped means the ingestor no longer accepts events
	ErrStopped = errors.New("ingestor stopped")
	// ErrIdentityUnavailable means no identity provider answered before the
	// retries ran out. The event is not skipped as unresolved.
	ErrIdentityUnavailable = errors.New("identity providers unavailable")
)

// Resolver maps fids to wallet addresses
type Resolver interface {
	ResolveAddress(ctx context.Context, fid int64) (string, error)
}

// ConfigStore returns a creator's active reward config, or nil
type ConfigStore interface {
	GetConfig(ctx context.Context, address string) (*models.UserConfig, error)
}

// Ledger records owed rewards
type Ledger interface {
	RecordPending(ctx context.Context, entry *models.LedgerEntry) (id string, created bool, err error)
}

// Registrar keeps notification tokens in sync with mini app events
type Registrar interface {
	Register(ctx context.Context, address string, fid int64, token, url string) error
	Unregister(ctx context.Context, address string) error
	UnregisterFID(ctx context.Context, fid int64) (int64, error)
}

// Archive receives every evaluated engagement
type Archive interface {
	Record(ev storage.ArchivedEvent)
}

// Config tunes the ingestor
type Config struct {
	Workers      int
	QueueSize    int
	EventTimeout time.Duration
	Policy       reward.Policy
	// Retry bounds transient failures while processing one event
	Retry *retry.RetryConfig
}

// Skip reasons that happen before the reward engine runs
const (
	ReasonUnresolvedCreator reward.Reason = "unresolved_creator"
	ReasonNotEngagement     reward.Reason = "not_engagement"
)

// Result is what processing one event did
type Result struct {
	EventID string
	Reason  reward.Reason
	EntryID string
	Created bool
}

// Ingestor validates nothing itself; it processes parsed events on a
// bounded worker pool
type Ingestor struct {
	resolver  Resolver
	configs   ConfigStore
	ledger    Ledger
	registrar Registrar
	archive   Archive
	cfg       Config

	queue    chan *Event
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	inFlight sync.WaitGroup
}

// NewIngestor creates an ingestor. registrar and archive may be nil.
func NewIngestor(resolver Resolver, configs ConfigStore, ledger Ledger, registrar Registrar, archive Archive, cfg Config) *Ingestor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	if cfg.Policy.SelfEngagement == "" {
		cfg.Policy = reward.DefaultPolicy()
	}
	if cfg.Retry == nil {
		cfg.Retry = &retry.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Retryable:    retryable,
		}
	}

	return &Ingestor{
		resolver:  resolver,
		configs:   configs,
		ledger:    ledger,
		registrar: registrar,
		archive:   archive,
		cfg:       cfg,
		queue:     make(chan *Event, cfg.QueueSize),
	}
}

// retryable is true for transient failures, including provider outages
// that identity reports as a non-definitive miss
func retryable(err error) bool {
	var le *identity.LookupError
	if errors.As(err, &le) {
		return !le.Definitive
	}
	return apperrors.IsTransient(err)
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains the queue.
func (i *Ingestor) Start(ctx context.Context) {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workers":    i.cfg.Workers,
		"queue_size": i.cfg.QueueSize,
	}).Info("Starting ingest workers")

	for w := 0; w < i.cfg.Workers; w++ {
		i.wg.Add(1)
		go i.work(ctx)
	}
}

func (i *Ingestor) work(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-i.queue:
			if !ok {
				return
			}
			i.handle(ctx, ev)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, ev *Event) {
	defer i.inFlight.Done()
	metrics.IngestQueueDepth.Set(float64(len(i.queue)))

	evCtx, cancel := context.WithTimeout(ctx, i.cfg.EventTimeout)
	defer cancel()

	if _, err := i.Process(evCtx, ev); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("type", ev.Type).Error("Failed to process webhook event")
	}
}

// Submit queues an event without blocking. A full queue returns ErrQueueFull.
func (i *Ingestor) Submit(ev *Event) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		return ErrStopped
	}

	i.inFlight.Add(1)
	select {
	case i.queue <- ev:
		metrics.IngestQueueDepth.Set(float64(len(i.queue)))
		return nil
	default:
		i.inFlight.Done()
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), metrics.OutcomeDropped).Inc()
		return ErrQueueFull
	}
}

// Stop refuses new events and waits for queued ones to finish
func (i *Ingestor) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	close(i.queue)
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest shutdown: %w", ctx.Err())
	}
}

// Drain waits until every submitted event has been processed
func (i *Ingestor) Drain() {
	i.inFlight.Wait()
}

// QueueDepth returns the number of events waiting for a worker
func (i *Ingestor) QueueDepth() int {
	return len(i.queue)
}

// Process handles one event synchronously
func (i *Ingestor) Process(ctx context.Context, ev *Event) (*Result, error) {
	switch {
	case ev.Engagement != nil:
		return i.processEngagement(ctx, ev.Engagement)
	case ev.MiniApp != nil:
		return &Result{}, i.processMiniApp(ctx, ev.MiniApp)
	}
	return &Result{Reason: ReasonNotEngagement}, nil
}

func (i *Ingestor) processEngagement(ctx context.Context, ev *models.EngagementEvent) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingLatency.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
	}()

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event_id":   ev.ProviderEventID,
		"action":     ev.Action,
		"actor_fid":  ev.ActorFID,
		"target_fid": ev.TargetFID,
	})
	ctx = logging.WithLogger(ctx, logger)
	res := &Result{EventID: ev.ProviderEventID}

	creator, err := i.resolve(ctx, ev.TargetFID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return res, err
		}
		return i.skip(ctx, res, ev, ReasonUnresolvedCreator, "", ""), nil
	}

	var cfg *models.UserConfig
	err = retry.Do(ctx, i.cfg.Retry, func(ctx context.Context, _ int) error {
		c, err := i.configs.GetConfig(ctx, creator)
		if err != nil {
			return apperrors.NewDatabaseError("get_config", err)
		}
		cfg = c
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to load creator config: %w", err)
	}

	// Skip the actor lookup when the creator pays nothing for this action
	if cfg == nil || !cfg.IsActive {
		d := reward.Evaluate(reward.Engagement{Event: *ev, CreatorAddress: creator}, cfg, i.cfg.Policy)
		return i.skip(ctx, res, ev, d.Reason, creator, ""), nil
	}
	if _, enabled := cfg.AmountFor(ev.Action); !enabled {
		return i.skip(ctx, res, ev, reward.ReasonActionDisabled, creator, ""), nil
	}

	actor, err := i.resolve(ctx, ev.ActorFID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return res, err
	}

	d := reward.Evaluate(reward.Engagement{Event: *ev, CreatorAddress: creator, ActorAddress: actor}, cfg, i.cfg.Policy)
	if !d.Eligible {
		return i.skip(ctx, res, ev, d.Reason, creator, actor), nil
	}

	entry := &models.LedgerEntry{
		FromAddress:  creator,
		ToAddress:    actor,
		TokenAddress: d.Token,
		Amount:       d.Amount.String(),
		SourceEvent:  ev.ProviderEventID,
		Action:       ev.Action,
	}
	err = retry.Do(ctx, i.cfg.Retry, func(ctx context.Context, _ int) error {
		id, created, err := i.ledger.RecordPending(ctx, entry)
		if err != nil {
			return apperrors.NewDatabaseError("record_pending", err)
		}
		res.EntryID, res.Created = id, created
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	res.Reason = reward.ReasonEligible

	if res.Created {
		metrics.LedgerEntriesCreated.WithLabelValues(string(ev.Action)).Inc()
		logger.WithFields(map[string]interface{}{
			"entry_id": res.EntryID,
			"to":       actor,
			"amount":   entry.Amount,
			"token":    entry.TokenAddress,
		}).Info("Reward recorded")
	} else {
		metrics.LedgerDuplicates.WithLabelValues(string(ev.Action)).Inc()
		logger.WithField("entry_id", res.EntryID).Debug("Duplicate engagement absorbed")
	}

	i.record(ev, creator, actor, entry.TokenAddress, entry.Amount, string(res.Reason), res.EntryID)
	return res, nil
}

// resolve looks up an address, retrying provider outages. A definitive
// miss returns immediately and matches identity.ErrNotFound. An outage that
// outlasts the retries returns ErrIdentityUnavailable, which does not.
func (i *Ingestor) resolve(ctx context.Context, fid int64) (string, error) {
	var addr string
	result := retry.WithExponentialBackoff(ctx, i.cfg.Retry, func(ctx context.Context, _ int) error {
		a, err := i.resolver.ResolveAddress(ctx, fid)
		addr = a
		return err
	})
	if result.Success {
		return addr, nil
	}

	err := result.LastError
	var le *identity.LookupError
	if errors.As(err, &le) && !le.Definitive {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"fid":      fid,
			"attempts": result.Attempts,
		}).Warn("Identity lookup failed on every attempt")
		// %v keeps LookupError's ErrNotFound match out of the chain
		return "", apperrors.NewProviderError("identity", fmt.Errorf("%w: fid %d: %v", ErrIdentityUnavailable, fid, err))
	}
	if errors.Is(err, identity.ErrNotFound) {
		return "", err
	}
	return "", fmt.Errorf("failed to resolve fid %d: %w", fid, err)
}

func (i *Ingestor) skip(ctx context.Context, res *Result, ev *models.EngagementEvent, reason reward.Reason, creator, actor string) *Result {
	res.Reason = reason
	metrics.RewardsSkipped.WithLabelValues(string(reason)).Inc()
	logging.FromContext(ctx).WithField("reason", reason).Debug("Engagement not rewarded")
	i.record(ev, creator, actor, "", "", string(reason), "")
	return res
}

func (i *Ingestor) record(ev *models.EngagementEvent, creator, actor, token, amount, decision, entryID string) {
	if i.archive == nil {
		return
	}
	i.archive.Record(storage.ArchivedEvent{
		ProviderEventID: ev.ProviderEventID,
		EventType:       string(ev.Type),
		Action:          string(ev.Action),
		ActorFID:        ev.ActorFID,
		TargetFID:       ev.TargetFID,
		TargetCastHash:  ev.TargetCastHash,
		CreatorAddress:  creator,
		ActorAddress:    actor,
		TokenAddress:    token,
		Amount:          amount,
		Decision:        decision,
		LedgerEntryID:   entryID,
		EventTime:       ev.Timestamp,
	})
}

func (i *Ingestor) processMiniApp(ctx context.Context, ev *MiniAppEvent) error {
	if i.registrar == nil {
		return nil
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{"event": ev.Type, "fid": ev.FID})

	switch ev.Type {
	case types.EventMiniAppRemoved, types.EventNotificationsDisabled:
		if ev.Address != "" {
			return i.registrar.Unregister(ctx, ev.Address)
		}
		n, err := i.registrar.UnregisterFID(ctx, ev.FID)
		if err != nil {
			return err
		}
		logger.WithField("removed", n).Info("Notification tokens removed")
		return nil
	}

	// miniapp_added without notification details only installs the app
	if ev.Token == "" {
		return nil
	}

	address := ev.Address
	if address == "" {
		a, err := i.resolve(ctx, ev.FID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				logger.Warn("Mini app user has no verified address, token not stored")
				return nil
			}
			return err
		}
		address = a
	}
	return i.registrar.Register(ctx, address, ev.FID, ev.Token, ev.URL)
}
