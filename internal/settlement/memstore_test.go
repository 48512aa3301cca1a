package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
)

// memStore is an in-memory ledger and batch store with the same
// transition guards as the Postgres repositories
type memStore struct {
	mu      sync.Mutex
	entries map[string]*models.LedgerEntry
	order   []string
	batches map[string]*models.SettlementBatch
	clock   time.Time

	claimErr    error
	beforeClaim func()
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string]*models.LedgerEntry),
		batches: make(map[string]*models.SettlementBatch),
		clock:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) add(e models.LedgerEntry) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New().String()
	e.Status = types.EntryPending
	e.CreatedAt = m.tick()
	m.entries[e.ID] = &e
	m.order = append(m.order, e.ID)
	return e.ID
}

func (m *memStore) entry(id string) models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[id]
}

func (m *memStore) batch(id string) models.SettlementBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.batches[id]
}

func (m *memStore) batchesWith(status types.BatchStatus) []models.SettlementBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SettlementBatch
	for _, b := range m.batches {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	return out
}

func (m *memStore) PendingTokens(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status == types.EntryPending && !seen[e.TokenAddress] {
			seen[e.TokenAddress] = true
			out = append(out, e.TokenAddress)
		}
	}
	return out, nil
}

func (m *memStore) ListPendingByToken(_ context.Context, token string, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status == types.EntryPending && e.TokenAddress == token {
			c := *e
			out = append(out, &c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkSettled(_ context.Context, batchID, txHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == types.EntrySettling && e.BatchID != nil && *e.BatchID == batchID {
			e.Status = types.EntrySettled
			h := txHash
			e.TxHash = &h
			now := m.tick()
			e.SettledAt = &now
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("batch %s has no settling entries: %w", batchID, storage.ErrInvalidTransition)
	}
	return n, nil
}

func (m *memStore) MarkFailed(_ context.Context, ids []string, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if e, ok := m.entries[id]; ok && (e.Status == types.EntryPending || e.Status == types.EntrySettling) {
			e.Status = types.EntryFailed
			r := reason
			e.LastError = &r
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReleaseBatch(_ context.Context, batchID, reason string, maxRetries int) (released, failed int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Status != types.EntrySettling || e.BatchID == nil || *e.BatchID != batchID {
			continue
		}
		e.RetryCount++
		r := reason
		e.LastError = &r
		if e.RetryCount >= maxRetries {
			e.Status = types.EntryFailed
			failed++
		} else {
			e.Status = types.EntryPending
			e.BatchID = nil
			released++
		}
	}
	return released, failed, nil
}

func (m *memStore) UnclaimBatch(_ context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == types.EntrySettling && e.BatchID != nil && *e.BatchID == batchID {
			e.Status = types.EntryPending
			e.BatchID = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListByBatch(_ context.Context, batchID string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, id := range m.order {
		e := m.entries[id]
		if e.BatchID != nil && *e.BatchID == batchID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[types.EntryStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.EntryStatus]int64)
	for _, e := range m.entries {
		out[e.Status]++
	}
	return out, nil
}

// ClaimBatch mirrors the repository's single transaction: nothing is
// stored unless at least one entry is still pending
func (m *memStore) ClaimBatch(_ context.Context, b *models.SettlementBatch, entries []*models.LedgerEntry) ([]*models.LedgerEntry, error) {
	if m.beforeClaim != nil {
		m.beforeClaim()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	var claimed []*models.LedgerEntry
	for _, e := range entries {
		if stored, ok := m.entries[e.ID]; ok && stored.Status == types.EntryPending {
			claimed = append(claimed, e)
		}
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	for _, e := range claimed {
		stored := m.entries[e.ID]
		stored.Status = types.EntrySettling
		bid := b.ID
		stored.BatchID = &bid
	}
	if len(claimed) < len(entries) {
		b.SetEntries(claimed)
	}
	b.Status = types.BatchCollected
	now := m.tick()
	b.CreatedAt, b.UpdatedAt = now, now
	c := *b
	m.batches[b.ID] = &c
	return claimed, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, batchID, txHash string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || !b.Status.IsOpen() {
		return storage.ErrInvalidTransition
	}
	b.Status = types.BatchSubmitted
	h, n, now := txHash, nonce, m.tick()
	b.TxHash, b.Nonce, b.SubmittedAt = &h, &n, &now
	return nil
}

func (m *memStore) MarkConfirmed(_ context.Context, batchID, txHash string) error {
	return m.close(batchID, types.BatchConfirmed, &txHash, nil)
}

func (m *memStore) MarkReverted(_ context.Context, batchID, reason string) error {
	return m.close(batchID, types.BatchReverted, nil, &reason)
}

func (m *memStore) close(batchID string, status types.BatchStatus, txHash, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || !b.Status.IsOpen() {
		return storage.ErrInvalidTransition
	}
	b.Status = status
	if txHash != nil {
		b.TxHash = txHash
	}
	b.Error = reason
	return nil
}

func (m *memStore) ListOpen(_ context.Context, token string) ([]*models.SettlementBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SettlementBatch
	for _, b := range m.batches {
		if b.Status.IsOpen() && (token == "" || b.TokenAddress == token) {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) OpenTokens(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, b := range m.batches {
		if b.Status.IsOpen() && !seen[b.TokenAddress] {
			seen[b.TokenAddress] = true
			out = append(out, b.TokenAddress)
		}
	}
	return out, nil
}

func (m *memStore) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}
