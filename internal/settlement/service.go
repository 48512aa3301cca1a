// Package settlement moves pending ledger entries on-chain in per-token
// batches and reconciles batches whose outcome is not yet known.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/reward-settler/internal/contract"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
	"golang.org/x/sync/errgroup"
)

// ErrExecutorNotAuthorized means the signing account lacks the executor
// role. No transaction is sent until the owner grants it.
var ErrExecutorNotAuthorized = errors.New("executor not authorized")

// Ledger is the part of the ledger the settler drives
type Ledger interface {
	PendingTokens(ctx context.Context) ([]string, error)
	ListPendingByToken(ctx context.Context, token string, limit int) ([]*models.LedgerEntry, error)
	MarkSettled(ctx context.Context, batchID, txHash string) (int64, error)
	MarkFailed(ctx context.Context, ids []string, reason string) (int64, error)
	ReleaseBatch(ctx context.Context, batchID, reason string, maxRetries int) (released, failed int64, err error)
	UnclaimBatch(ctx context.Context, batchID string) (int64, error)
	ListByBatch(ctx context.Context, batchID string) ([]*models.LedgerEntry, error)
	CountByStatus(ctx context.Context) (map[types.EntryStatus]int64, error)
}

// Batches persists settlement batches
type Batches interface {
	// ClaimBatch creates b and claims its pending entries atomically,
	// returning the entries claimed. Nothing is written when none are.
	ClaimBatch(ctx context.Context, b *models.SettlementBatch, entries []*models.LedgerEntry) ([]*models.LedgerEntry, error)
	MarkSubmitted(ctx context.Context, batchID, txHash string, nonce uint64) error
	MarkConfirmed(ctx context.Context, batchID, txHash string) error
	MarkReverted(ctx context.Context, batchID, reason string) error
	ListOpen(ctx context.Context, token string) ([]*models.SettlementBatch, error)
	OpenTokens(ctx context.Context) ([]string, error)
}

// Locker is a cross-process lock per token
type Locker interface {
	Acquire(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
}

// Notifier is told about every entry that settles
type Notifier interface {
	NotifySettled(ctx context.Context, entry *models.LedgerEntry)
}

// Config tunes settlement
type Config struct {
	BatchSize      int
	MaxRetries     int
	ConfirmTimeout time.Duration
	ReceiptPoll    time.Duration
	// Contract is only used in log and error messages
	Contract string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
}

// Token outcomes reported by SettleToken
const (
	OutcomeIdle           = "idle"
	OutcomeBusy           = "busy"
	OutcomeAwaiting       = "awaiting_confirmation"
	OutcomeConfirmed      = "confirmed"
	OutcomeReverted       = "reverted"
	OutcomeRejected       = "rejected"
	OutcomeUnconfirmed    = "unconfirmed"
	OutcomeAmbiguous      = "ambiguous"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeNothingClaimed = "nothing_claimed"
	OutcomeError          = "error"
)

// TokenResult is what one token's settlement attempt did
type TokenResult struct {
	Token      string `json:"token"`
	Outcome    string `json:"outcome"`
	BatchID    string `json:"batchId,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	Entries    int    `json:"entries"`
	Reconciled int    `json:"reconciled"`
	Error      string `json:"error,omitempty"`
}

// CycleReport collects every token's result for one cycle
type CycleReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Tokens   []TokenResult `json:"tokens"`
}

// Service runs settlement cycles
type Service struct {
	ledger   Ledger
	batches  Batches
	executor contract.Executor
	lock     Locker
	notifier Notifier
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	tokenMus map[string]*sync.Mutex
}

// NewService creates a settlement service. lock and notifier may be nil.
func NewService(ledger Ledger, batches Batches, executor contract.Executor, lock Locker, notifier Notifier, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		ledger:   ledger,
		batches:  batches,
		executor: executor,
		lock:     lock,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		tokenMus: make(map[string]*sync.Mutex),
	}
}

// RunCycle settles every token with pending entries or open batches. Tokens
// run in parallel; one token's failure does not stop the others. The
// returned error joins every token error.
func (s *Service) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{Started: time.Now().UTC()}

	tokens, err := s.tokens(ctx)
	if err != nil {
		return report, err
	}

	results := make([]TokenResult, len(tokens))
	errs := make([]error, len(tokens))

	var g errgroup.Group
	g.SetLimit(8)
	for i, token := range tokens {
		g.Go(func() error {
			res, err := s.SettleToken(ctx, token)
			results[i] = *res
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	report.Tokens = results
	report.Duration = time.Since(report.Started)
	s.updateGauges(ctx)

	return report, errors.Join(errs...)
}

func (s *Service) tokens(ctx context.Context) ([]string, error) {
	pending, err := s.ledger.PendingTokens(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("pending_tokens", err)
	}
	open, err := s.batches.OpenTokens(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("open_batch_tokens", err)
	}

	seen := make(map[string]struct{}, len(pending)+len(open))
	var out []string
	for _, t := range append(pending, open...) {
		t = models.NormalizeAddress(t)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) tokenMutex(token string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tokenMus[token]
	if !ok {
		m = &sync.Mutex{}
		s.tokenMus[token] = m
	}
	return m
}

// SettleToken reconciles open batches for a token, then submits at most one
// new batch and waits for its receipt.
func (s *Service) SettleToken(ctx context.Context, token string) (*TokenResult, error) {
	token = models.NormalizeAddress(token)
	res := &TokenResult{Token: token}
	logger := logging.FromContext(ctx).WithField("token", token)
	ctx = logging.WithLogger(ctx, logger)

	m := s.tokenMutex(token)
	if !m.TryLock() {
		res.Outcome = OutcomeBusy
		return res, nil
	}
	defer m.Unlock()

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, token)
		if err != nil {
			return s.fail(res, err)
		}
		if !ok {
			res.Outcome = OutcomeBusy
			return res, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), token); err != nil {
				logger.WithError(err).Warn("Failed to release settlement lock")
			}
		}()
	}

	reconciled, blocked, err := s.reconcile(ctx, token)
	res.Reconciled = reconciled
	if err != nil {
		return s.fail(res, err)
	}
	if blocked {
		res.Outcome = OutcomeAwaiting
		return res, nil
	}

	if err := s.authorize(ctx); err != nil {
		if errors.Is(err, ErrExecutorNotAuthorized) {
			res.Outcome = OutcomeUnauthorized
			res.Error = err.Error()
			return res, err
		}
		return s.fail(res, err)
	}

	if err := s.submit(ctx, token, res); err != nil {
		return s.fail(res, err)
	}
	return res, nil
}

func (s *Service) fail(res *TokenResult, err error) (*TokenResult, error) {
	res.Outcome = OutcomeError
	res.Error = err.Error()
	return res, fmt.Errorf("settle %s: %w", res.Token, err)
}

// authorize checks the executor role on-chain
func (s *Service) authorize(ctx context.Context) error {
	ok, err := s.executor.IsExecutor(ctx, s.executor.Address())
	if err != nil {
		return fmt.Errorf("failed to check executor role: %w", err)
	}
	if !ok {
		metrics.SettlementPaused.Set(1)
		authErr := apperrors.NewExecutorNotAuthorizedError(s.executor.Address(), s.cfg.Contract)
		authErr.Cause = ErrExecutorNotAuthorized
		return authErr
	}
	metrics.SettlementPaused.Set(0)
	return nil
}

// submit collects, claims, signs, broadcasts and confirms one batch
func (s *Service) submit(ctx context.Context, token string, res *TokenResult) error {
	logger := logging.FromContext(ctx)

	entries, err := s.ledger.ListPendingByToken(ctx, token, s.cfg.BatchSize)
	if err != nil {
		return apperrors.NewDatabaseError("list_pending", err)
	}
	entries, err = s.dropUnpayable(ctx, entries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		res.Outcome = OutcomeIdle
		return nil
	}

	batch := &models.SettlementBatch{TokenAddress: token}
	batch.SetEntries(entries)
	entries, err = s.batches.ClaimBatch(ctx, batch, entries)
	if err != nil {
		return apperrors.NewDatabaseError("claim_batch", err)
	}
	if len(entries) == 0 {
		res.Outcome = OutcomeNothingClaimed
		return nil
	}
	res.BatchID = batch.ID
	res.Entries = len(entries)
	logger = logger.WithField("batch_id", batch.ID)
	ctx = logging.WithLogger(ctx, logger)

	signed, err := s.executor.PrepareBatch(ctx, toTransfer(batch, entries))
	if err != nil {
		if errors.Is(err, contract.ErrRejected) {
			res.Outcome = OutcomeRejected
			logger.WithError(err).Warn("Batch rejected during estimation")
			return s.revert(ctx, batch, err.Error())
		}
		// Nothing was signed or sent, so the entries go back untouched
		s.abandon(ctx, batch, "prepare failed: "+err.Error())
		return err
	}

	if err := s.batches.MarkSubmitted(ctx, batch.ID, signed.Hash, signed.Nonce); err != nil {
		// Not broadcast; the next cycle's reconcile returns the entries
		return apperrors.NewDatabaseError("mark_submitted", err)
	}
	res.TxHash = signed.Hash
	logger = logger.WithFields(map[string]interface{}{"tx_hash": signed.Hash, "nonce": signed.Nonce, "entries": len(entries)})
	start := time.Now()

	if err := s.executor.Broadcast(ctx, signed); err != nil {
		if errors.Is(err, contract.ErrRejected) {
			res.Outcome = OutcomeRejected
			logger.WithError(err).Warn("Batch rejected by node")
			return s.revert(ctx, batch, err.Error())
		}
		res.Outcome = OutcomeAmbiguous
		metrics.SettlementBatches.WithLabelValues(token, OutcomeAmbiguous).Inc()
		logger.WithError(err).Warn("Broadcast outcome unknown, batch left for reconciliation")
		return nil
	}
	logger.Info("Batch broadcast")

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := contract.WaitForReceipt(waitCtx, s.executor, signed.Hash, s.cfg.ReceiptPoll)
	if err != nil {
		res.Outcome = OutcomeUnconfirmed
		logger.WithError(err).Warn("Batch not confirmed in time, left for reconciliation")
		return nil
	}
	metrics.SettlementLatency.WithLabelValues(token).Observe(time.Since(start).Seconds())

	if !receipt.Succeeded {
		res.Outcome = OutcomeReverted
		return s.revert(ctx, batch, "transaction reverted")
	}
	res.Outcome = OutcomeConfirmed
	return s.confirm(ctx, batch, receipt.TxHash)
}

// dropUnpayable fails entries whose amount cannot be sent
func (s *Service) dropUnpayable(ctx context.Context, entries []*models.LedgerEntry) ([]*models.LedgerEntry, error) {
	var bad []string
	out := entries[:0:0]
	for _, e := range entries {
		amt, ok := e.AmountInt()
		if !ok || amt.Sign() <= 0 || !models.IsValidAddress(e.FromAddress) || !models.IsValidAddress(e.ToAddress) {
			bad = append(bad, e.ID)
			continue
		}
		out = append(out, e)
	}
	if len(bad) > 0 {
		if _, err := s.ledger.MarkFailed(ctx, bad, "unpayable entry"); err != nil {
			return nil, apperrors.NewDatabaseError("mark_failed", err)
		}
		logging.FromContext(ctx).WithField("entries", bad).Error("Unpayable ledger entries marked failed")
	}
	return out, nil
}

// confirm settles a batch's entries and notifies each recipient once. The
// logger in ctx already carries the batch id.
func (s *Service) confirm(ctx context.Context, batch *models.SettlementBatch, txHash string) error {
	logger := logging.FromContext(ctx).WithField("landed_tx", txHash)

	n, err := s.ledger.MarkSettled(ctx, batch.ID, txHash)
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return apperrors.NewDatabaseError("mark_settled", err)
	}
	if err := s.batches.MarkConfirmed(ctx, batch.ID, txHash); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return apperrors.NewDatabaseError("mark_batch_confirmed", err)
	}
	metrics.SettlementBatches.WithLabelValues(batch.TokenAddress, OutcomeConfirmed).Inc()
	metrics.SettlementEntries.WithLabelValues(batch.TokenAddress, metrics.OutcomeSettled).Add(float64(n))

	if n == 0 {
		return nil
	}
	logger.WithField("entries", n).Info("Batch settled")

	if s.notifier == nil {
		return nil
	}
	settled, err := s.ledger.ListByBatch(ctx, batch.ID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load settled entries for notification")
		return nil
	}
	for _, e := range settled {
		if e.Status == types.EntrySettled {
			s.notifier.NotifySettled(ctx, e)
		}
	}
	return nil
}

// revert closes a batch as reverted and releases its entries with one more retry
func (s *Service) revert(ctx context.Context, batch *models.SettlementBatch, reason string) error {
	logger := logging.FromContext(ctx)

	if err := s.batches.MarkReverted(ctx, batch.ID, reason); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return apperrors.NewDatabaseError("mark_batch_reverted", err)
	}
	released, failed, err := s.ledger.ReleaseBatch(ctx, batch.ID, reason, s.cfg.MaxRetries)
	if err != nil {
		return apperrors.NewDatabaseError("release_batch", err)
	}
	metrics.SettlementBatches.WithLabelValues(batch.TokenAddress, OutcomeReverted).Inc()
	metrics.SettlementEntries.WithLabelValues(batch.TokenAddress, metrics.OutcomeReleased).Add(float64(released))
	metrics.SettlementEntries.WithLabelValues(batch.TokenAddress, metrics.OutcomeFailed).Add(float64(failed))

	logger = logger.WithFields(map[string]interface{}{"released": released, "failed": failed, "reason": reason})
	if failed > 0 {
		logger.Error("Ledger entries exhausted settlement retries")
	} else {
		logger.Warn("Batch reverted, entries released")
	}
	return nil
}

// abandon closes a batch that never reached the chain. Entries keep their retry budget.
func (s *Service) abandon(ctx context.Context, batch *models.SettlementBatch, reason string) {
	logger := logging.FromContext(ctx)
	n, err := s.ledger.UnclaimBatch(ctx, batch.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to unclaim batch")
		return
	}
	if err := s.batches.MarkReverted(ctx, batch.ID, reason); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		logger.WithError(err).Warn("Failed to close abandoned batch")
	}
	logger.WithFields(map[string]interface{}{"entries": n, "reason": reason}).Info("Batch abandoned before broadcast")
}

func (s *Service) updateGauges(ctx context.Context) {
	counts, err := s.ledger.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, st := range []types.EntryStatus{types.EntryPending, types.EntrySettling, types.EntrySettled, types.EntryFailed} {
		metrics.LedgerEntriesByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func toTransfer(batch *models.SettlementBatch, entries []*models.LedgerEntry) contract.BatchTransfer {
	t := contract.BatchTransfer{
		BatchID: batch.KeyBytes(),
		Token:   batch.TokenAddress,
		From:    make([]string, len(entries)),
		To:      make([]string, len(entries)),
		Amounts: make([]*big.Int, len(entries)),
	}
	for i, e := range entries {
		amt, _ := e.AmountInt()
		t.From[i] = e.FromAddress
		t.To[i] = e.ToAddress
		t.Amounts[i] = amt
	}
	return t
}
