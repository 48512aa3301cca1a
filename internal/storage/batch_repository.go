package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// BatchRepository persists settlement batches
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `
	id::text, token_address, idempotency_key, status, tx_hash, nonce,
	entry_count, total_amount::text, error, submitted_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*models.SettlementBatch, error) {
	var b models.SettlementBatch
	var status string
	var nonce *int64
	err := row.Scan(
		&b.ID,
		&b.TokenAddress,
		&b.IdempotencyKey,
		&status,
		&b.TxHash,
		&nonce,
		&b.EntryCount,
		&b.TotalAmount,
		&b.Error,
		&b.SubmittedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = types.BatchStatus(status)
	if nonce != nil {
		n := uint64(*nonce) // #nosec G115 - nonces are stored from uint64 values
		b.Nonce = &n
	}
	return &b, nil
}

// ClaimBatch creates a collected batch and moves its still-pending entries
// to settling in one transaction. The batch is rewritten to cover only the
// entries claimed, which are returned. When none are still pending nothing
// is written and the result is empty.
func (r *BatchRepository) ClaimBatch(ctx context.Context, b *models.SettlementBatch, entries []*models.LedgerEntry) ([]*models.LedgerEntry, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	var claimed []*models.LedgerEntry
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertBatch(ctx, tx, b); err != nil {
			return err
		}
		claimedIDs, err := claimEntries(ctx, tx, ids, b.ID)
		if err != nil {
			return err
		}
		if len(claimedIDs) == 0 {
			return errNothingClaimed
		}

		set := make(map[string]struct{}, len(claimedIDs))
		for _, id := range claimedIDs {
			set[id] = struct{}{}
		}
		for _, e := range entries {
			if _, ok := set[e.ID]; ok {
				claimed = append(claimed, e)
			}
		}
		if len(claimed) == len(entries) {
			return nil
		}
		b.SetEntries(claimed)
		return setMembership(ctx, tx, b)
	})
	if errors.Is(err, errNothingClaimed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// errNothingClaimed rolls back a claim that found no pending entries
var errNothingClaimed = errors.New("no entries claimed")

func insertBatch(ctx context.Context, q querier, b *models.SettlementBatch) error {
	id, err := uuid.Parse(b.ID)
	if err != nil {
		return fmt.Errorf("invalid batch id %q: %w", b.ID, err)
	}

	b.Status = types.BatchCollected
	b.TokenAddress = models.NormalizeAddress(b.TokenAddress)
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err = q.Exec(ctx, `
		INSERT INTO settlement_batches (id, token_address, idempotency_key, status, entry_count, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8)
	`, id, b.TokenAddress, b.IdempotencyKey, string(b.Status), b.EntryCount, b.TotalAmount, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func setMembership(ctx context.Context, q querier, b *models.SettlementBatch) error {
	id, err := uuid.Parse(b.ID)
	if err != nil {
		return fmt.Errorf("invalid batch id %q: %w", b.ID, err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE settlement_batches
		SET idempotency_key = $2, entry_count = $3, total_amount = $4::text::numeric, updated_at = now()
		WHERE id = $1 AND status = 'collected'
	`, id, b.IdempotencyKey, b.EntryCount, b.TotalAmount)
	if err != nil {
		return fmt.Errorf("failed to update batch membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s is not collected: %w", b.ID, ErrInvalidTransition)
	}
	return nil
}

// MarkSubmitted stores the signed transaction hash and nonce. It runs before broadcast.
func (r *BatchRepository) MarkSubmitted(ctx context.Context, batchID, txHash string, nonce uint64) error {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE settlement_batches
		SET status = 'submitted', tx_hash = $2, nonce = $3, submitted_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('collected', 'submitted')
	`, id, txHash, int64(nonce)) // #nosec G115 - account nonces fit in int64
	if err != nil {
		return fmt.Errorf("failed to mark batch submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s cannot be submitted: %w", batchID, ErrInvalidTransition)
	}
	return nil
}

// MarkConfirmed closes a batch as confirmed with the hash that landed on-chain
func (r *BatchRepository) MarkConfirmed(ctx context.Context, batchID, txHash string) error {
	return r.close(ctx, batchID, types.BatchConfirmed, &txHash, nil)
}

// MarkReverted closes a batch as reverted
func (r *BatchRepository) MarkReverted(ctx context.Context, batchID, reason string) error {
	return r.close(ctx, batchID, types.BatchReverted, nil, &reason)
}

func (r *BatchRepository) close(ctx context.Context, batchID string, status types.BatchStatus, txHash, reason *string) error {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE settlement_batches
		SET status = $2, tx_hash = COALESCE($3, tx_hash), error = $4, updated_at = now()
		WHERE id = $1 AND status IN ('collected', 'submitted')
	`, id, string(status), txHash, reason)
	if err != nil {
		return fmt.Errorf("failed to mark batch %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s is already closed: %w", batchID, ErrInvalidTransition)
	}
	return nil
}

// GetBatch returns a batch by id
func (r *BatchRepository) GetBatch(ctx context.Context, batchID string) (*models.SettlementBatch, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return nil, ErrNotFound
	}

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, `SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// ListOpen returns collected and submitted batches for a token, oldest first.
// An empty token lists open batches for every token.
func (r *BatchRepository) ListOpen(ctx context.Context, token string) ([]*models.SettlementBatch, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+batchColumns+`
		FROM settlement_batches
		WHERE status IN ('collected', 'submitted') AND ($1 = '' OR token_address = $1)
		ORDER BY created_at
	`, models.NormalizeAddress(token))
	if err != nil {
		return nil, fmt.Errorf("failed to list open batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.SettlementBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// OpenTokens returns tokens that have open batches
func (r *BatchRepository) OpenTokens(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT token_address FROM settlement_batches WHERE status IN ('collected', 'submitted')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open batch tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
