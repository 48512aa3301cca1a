package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reward-settler/internal/contract"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// pendingGrace is how many confirm timeouts a mempool transaction may sit
// before it is re-sent under the same nonce with higher fees
const pendingGrace = 3

// reconcile resolves every open batch of a token. blocked is true while a
// submitted batch can still land, in which case no new batch may be started
// for the token. A batch's entries are only released once its nonce is
// spent without a BatchSettled event for its id.
func (s *Service) reconcile(ctx context.Context, token string) (resolved int, blocked bool, err error) {
	open, err := s.batches.ListOpen(ctx, token)
	if err != nil {
		return 0, false, apperrors.NewDatabaseError("list_open_batches", err)
	}

	for _, b := range open {
		logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
			"batch_id": b.ID,
			"status":   b.Status,
		})
		ctx := logging.WithLogger(ctx, logger)

		if b.Status == types.BatchCollected || b.TxHash == nil {
			s.abandon(ctx, b, "never broadcast")
			resolved++
			continue
		}

		done, wait, err := s.reconcileSubmitted(ctx, b)
		if err != nil {
			return resolved, true, err
		}
		if done {
			resolved++
		}
		if wait {
			blocked = true
		}
	}
	return resolved, blocked, nil
}

func (s *Service) reconcileSubmitted(ctx context.Context, b *models.SettlementBatch) (done, wait bool, err error) {
	logger := logging.FromContext(ctx)
	hash := *b.TxHash

	// Read before the receipt and log checks, so a transaction mined in
	// between is still seen by them
	spent := false
	if b.Nonce != nil {
		if spent, err = s.executor.NonceSpent(ctx, *b.Nonce); err != nil {
			return false, false, fmt.Errorf("failed to check nonce %d: %w", *b.Nonce, err)
		}
	}

	receipt, err := s.executor.Receipt(ctx, hash)
	switch {
	case err == nil && receipt.Succeeded:
		logger.Info("Reconciled batch as confirmed from receipt")
		return true, false, s.confirm(ctx, b, receipt.TxHash)
	case err == nil:
		logger.Warn("Reconciled batch as reverted from receipt")
		return true, false, s.revert(ctx, b, "transaction reverted")
	case !errors.Is(err, contract.ErrReceiptNotFound):
		return false, false, fmt.Errorf("failed to fetch receipt %s: %w", hash, err)
	}

	// A replacement transaction may have settled the same batch id
	landed, found, err := s.executor.FindBatch(ctx, b.KeyBytes())
	if err != nil {
		return false, false, fmt.Errorf("failed to search batch logs: %w", err)
	}
	if found {
		logger.WithField("landed_tx", landed).Info("Reconciled batch as confirmed from BatchSettled log")
		return true, false, s.confirm(ctx, b, landed)
	}

	if spent {
		// The nonce went to a transaction that did not settle this batch, so
		// nothing signed for it can land any more
		logger.WithField("nonce", *b.Nonce).Warn("Batch nonce spent elsewhere, releasing entries")
		return true, false, s.revert(ctx, b, "nonce spent by another transaction")
	}
	if b.Nonce == nil {
		logger.Error("Submitted batch has no recorded nonce, leaving it open")
		return false, true, nil
	}

	pending, err := s.executor.IsPending(ctx, hash)
	if err != nil {
		return false, false, fmt.Errorf("failed to check pending tx %s: %w", hash, err)
	}
	if pending && s.age(b) < pendingGrace*s.cfg.ConfirmTimeout {
		logger.Debug("Batch still pending")
		return false, true, nil
	}

	if pending {
		metrics.SettlementStuckBatches.WithLabelValues(b.TokenAddress).Inc()
		logger.WithField("age", s.age(b).String()).Error("Batch transaction stuck past grace period, re-sending with higher fees")
	} else {
		logger.Warn("Batch transaction dropped, re-sending under its nonce")
	}
	return false, true, s.replace(ctx, b)
}

// replace re-signs a submitted batch under its recorded nonce and batch id.
// Whichever of the transactions is mined first spends the nonce and the
// other can never land, so the entries stay claimed throughout.
func (s *Service) replace(ctx context.Context, b *models.SettlementBatch) error {
	logger := logging.FromContext(ctx)

	members, err := s.ledger.ListByBatch(ctx, b.ID)
	if err != nil {
		return apperrors.NewDatabaseError("list_batch_entries", err)
	}
	entries := members[:0:0]
	for _, e := range members {
		if e.Status == types.EntrySettling {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		logger.Error("Submitted batch has no settling entries to re-send")
		return nil
	}

	transfer := toTransfer(b, entries)
	transfer.Nonce = b.Nonce
	signed, err := s.executor.PrepareBatch(ctx, transfer)
	if err != nil {
		// The earlier transaction may still land, so the batch stays open
		logger.WithError(err).Error("Failed to re-sign batch, leaving it open")
		return nil
	}
	if err := s.batches.MarkSubmitted(ctx, b.ID, signed.Hash, signed.Nonce); err != nil {
		return apperrors.NewDatabaseError("mark_submitted", err)
	}
	metrics.SettlementReplacements.WithLabelValues(b.TokenAddress).Inc()

	logger = logger.WithFields(map[string]interface{}{"tx_hash": signed.Hash, "replaced_tx": *b.TxHash, "nonce": signed.Nonce})
	if err := s.executor.Broadcast(ctx, signed); err != nil {
		logger.WithError(err).Warn("Replacement broadcast failed, batch left for reconciliation")
		return nil
	}
	logger.Info("Replacement batch broadcast")
	return nil
}

func (s *Service) age(b *models.SettlementBatch) time.Duration {
	since := b.UpdatedAt
	if b.SubmittedAt != nil {
		since = *b.SubmittedAt
	}
	return s.now().Sub(since)
}
