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

// LedgerRepository owns ledger entries. Every state change is a single
// UPDATE guarded by the current status; settled rows never match a guard.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const ledgerColumns = `
	id::text, from_address, to_address, token_address, amount::text, source_event, action,
	status, retry_count, batch_id::text, tx_hash, last_error, created_at, settled_at`

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var action, status string
	err := row.Scan(
		&e.ID,
		&e.FromAddress,
		&e.ToAddress,
		&e.TokenAddress,
		&e.Amount,
		&e.SourceEvent,
		&action,
		&status,
		&e.RetryCount,
		&e.BatchID,
		&e.TxHash,
		&e.LastError,
		&e.CreatedAt,
		&e.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	e.Action = types.Action(action)
	e.Status = types.EntryStatus(status)
	return &e, nil
}

func (r *LedgerRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.LedgerEntry, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseIDs(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid ledger entry id %q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// RecordPending inserts a pending entry, or returns the id of the existing
// entry for the same (from, sourceEvent, to). created is false for replays.
func (r *LedgerRepository) RecordPending(ctx context.Context, entry *models.LedgerEntry) (id string, created bool, err error) {
	if !models.IsValidAddress(entry.FromAddress) || !models.IsValidAddress(entry.ToAddress) || !models.IsValidAddress(entry.TokenAddress) {
		return "", false, fmt.Errorf("ledger entry has an invalid address")
	}
	if entry.SourceEvent == "" {
		return "", false, fmt.Errorf("ledger entry has no source event")
	}

	entry.FromAddress = models.NormalizeAddress(entry.FromAddress)
	entry.ToAddress = models.NormalizeAddress(entry.ToAddress)
	entry.TokenAddress = models.NormalizeAddress(entry.TokenAddress)

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict;
	// xmax = 0 only for freshly inserted tuples.
	query := `
		INSERT INTO ledger_entries (id, from_address, to_address, token_address, amount, source_event, action, status)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, 'pending')
		ON CONFLICT (from_address, source_event, to_address)
		DO UPDATE SET from_address = EXCLUDED.from_address
		RETURNING id::text, (xmax = 0) AS inserted, status, created_at
	`

	var status string
	err = r.db.Pool().QueryRow(ctx, query,
		uuid.New(),
		entry.FromAddress,
		entry.ToAddress,
		entry.TokenAddress,
		entry.Amount,
		entry.SourceEvent,
		string(entry.Action),
	).Scan(&id, &created, &status, &entry.CreatedAt)
	if err != nil {
		return "", false, fmt.Errorf("failed to record pending entry: %w", err)
	}

	entry.ID = id
	entry.Status = types.EntryStatus(status)
	return id, created, nil
}

// Get returns one entry by id
func (r *LedgerRepository) Get(ctx context.Context, id string) (*models.LedgerEntry, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	e, err := scanEntry(r.db.Pool().QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

// ListPending returns a creator's pending entries for a token in creation order
func (r *LedgerRepository) ListPending(ctx context.Context, token, creator string) ([]*models.LedgerEntry, error) {
	entries, err := r.queryEntries(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE status = 'pending' AND token_address = $1 AND from_address = $2
		ORDER BY created_at, id
	`, models.NormalizeAddress(token), models.NormalizeAddress(creator))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return entries, nil
}

// ListPendingByToken returns up to limit pending entries for a token in creation order
func (r *LedgerRepository) ListPendingByToken(ctx context.Context, token string, limit int) ([]*models.LedgerEntry, error) {
	entries, err := r.queryEntries(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE status = 'pending' AND token_address = $1
		ORDER BY created_at, id
		LIMIT $2
	`, models.NormalizeAddress(token), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return entries, nil
}

// PendingTokens returns every token that has pending entries
func (r *LedgerRepository) PendingTokens(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT token_address FROM ledger_entries WHERE status = 'pending' ORDER BY token_address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tokens: %w", err)
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

// claimEntries moves pending entries to settling under batchID and returns
// the ids it actually claimed. Entries no longer pending are skipped.
func claimEntries(ctx context.Context, q querier, ids []string, batchID string) ([]string, error) {
	uids, err := parseIDs(ids)
	if err != nil {
		return nil, err
	}
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	rows, err := q.Query(ctx, `
		UPDATE ledger_entries
		SET status = 'settling', batch_id = $2, updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'
		RETURNING id::text
	`, uids, bid)
	if err != nil {
		return nil, fmt.Errorf("failed to mark entries settling: %w", err)
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed id: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

// MarkSettled moves a batch's settling entries to settled with the shared tx hash
func (r *LedgerRepository) MarkSettled(ctx context.Context, batchID, txHash string) (int64, error) {
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return 0, fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'settled', tx_hash = $2, settled_at = now(), last_error = NULL, updated_at = now()
		WHERE batch_id = $1 AND status = 'settling'
	`, bid, txHash)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entries settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("batch %s has no settling entries: %w", batchID, ErrInvalidTransition)
	}
	return tag.RowsAffected(), nil
}

// MarkFailed moves pending or settling entries to failed
func (r *LedgerRepository) MarkFailed(ctx context.Context, ids []string, reason string) (int64, error) {
	uids, err := parseIDs(ids)
	if err != nil {
		return 0, err
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = ANY($1) AND status IN ('pending', 'settling')
	`, uids, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entries failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseBatch returns a batch's settling entries to pending with one more
// retry, or to failed once maxRetries is reached
func (r *LedgerRepository) ReleaseBatch(ctx context.Context, batchID, reason string, maxRetries int) (released, failed int64, err error) {
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	rows, err := r.db.Pool().Query(ctx, `
		UPDATE ledger_entries
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
			batch_id = CASE WHEN retry_count + 1 >= $3 THEN batch_id ELSE NULL END,
			last_error = $2,
			updated_at = now()
		WHERE batch_id = $1 AND status = 'settling'
		RETURNING status
	`, bid, reason, maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to release batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("failed to scan released status: %w", err)
		}
		if types.EntryStatus(status) == types.EntryFailed {
			failed++
		} else {
			released++
		}
	}
	return released, failed, rows.Err()
}

// UnclaimBatch returns a batch's settling entries to pending without using a
// retry. Only for batches that were never broadcast.
func (r *LedgerRepository) UnclaimBatch(ctx context.Context, batchID string) (int64, error) {
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return 0, fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'pending', batch_id = NULL, updated_at = now()
		WHERE batch_id = $1 AND status = 'settling'
	`, bid)
	if err != nil {
		return 0, fmt.Errorf("failed to unclaim batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueFailed puts failed entries back to pending with a fresh retry budget
func (r *LedgerRepository) RequeueFailed(ctx context.Context, ids []string) (int64, error) {
	uids, err := parseIDs(ids)
	if err != nil {
		return 0, err
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'pending', retry_count = 0, batch_id = NULL, updated_at = now()
		WHERE id = ANY($1) AND status = 'failed'
	`, uids)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByStatus returns the newest entries in a status
func (r *LedgerRepository) ListByStatus(ctx context.Context, status types.EntryStatus, limit int) ([]*models.LedgerEntry, error) {
	entries, err := r.queryEntries(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE status = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries by status: %w", err)
	}
	return entries, nil
}

// ListByRecipient returns the newest entries paid or owed to an address
func (r *LedgerRepository) ListByRecipient(ctx context.Context, address string, limit int) ([]*models.LedgerEntry, error) {
	entries, err := r.queryEntries(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE to_address = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, models.NormalizeAddress(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries by recipient: %w", err)
	}
	return entries, nil
}

// ListByBatch returns every entry claimed by a batch in creation order
func (r *LedgerRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.LedgerEntry, error) {
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	entries, err := r.queryEntries(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE batch_id = $1
		ORDER BY created_at, id
	`, bid)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch entries: %w", err)
	}
	return entries, nil
}

// CountByStatus returns the number of entries in each status
func (r *LedgerRepository) CountByStatus(ctx context.Context) (map[types.EntryStatus]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, count(*) FROM ledger_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.EntryStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[types.EntryStatus(status)] = n
	}
	return counts, rows.Err()
}

// OldestPendingAge returns how long the oldest pending entry has waited
func (r *LedgerRepository) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	if err := r.db.Pool().QueryRow(ctx, `SELECT min(created_at) FROM ledger_entries WHERE status = 'pending'`).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("failed to query oldest pending entry: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}
