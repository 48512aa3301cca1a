package models

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/reward-settler/internal/types"
)

// LedgerEntry is an amount owed from a creator to an engager. Amount is a
// base-10 integer string in the token's minor units.
type LedgerEntry struct {
	ID           string            `json:"id" db:"id"`
	FromAddress  string            `json:"fromAddress" db:"from_address"`
	ToAddress    string            `json:"toAddress" db:"to_address"`
	TokenAddress string            `json:"tokenAddress" db:"token_address"`
	Amount       string            `json:"amount" db:"amount"`
	SourceEvent  string            `json:"sourceEvent" db:"source_event"`
	Action       types.Action      `json:"action" db:"action"`
	Status       types.EntryStatus `json:"status" db:"status"`
	RetryCount   int               `json:"retryCount" db:"retry_count"`
	BatchID      *string           `json:"batchId,omitempty" db:"batch_id"`
	TxHash       *string           `json:"txHash,omitempty" db:"tx_hash"`
	LastError    *string           `json:"lastError,omitempty" db:"last_error"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	SettledAt    *time.Time        `json:"settledAt,omitempty" db:"settled_at"`
}

// AmountInt parses Amount. ok is false for anything that is not a base-10 integer.
func (e *LedgerEntry) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(e.Amount, 10)
}

// SettlementBatch groups claimed ledger entries into one on-chain transfer
type SettlementBatch struct {
	ID             string            `json:"id" db:"id"`
	TokenAddress   string            `json:"tokenAddress" db:"token_address"`
	IdempotencyKey string            `json:"idempotencyKey" db:"idempotency_key"`
	Status         types.BatchStatus `json:"status" db:"status"`
	TxHash         *string           `json:"txHash,omitempty" db:"tx_hash"`
	Nonce          *uint64           `json:"nonce,omitempty" db:"nonce"`
	EntryCount     int               `json:"entryCount" db:"entry_count"`
	TotalAmount    string            `json:"totalAmount" db:"total_amount"`
	Error          *string           `json:"error,omitempty" db:"error"`
	SubmittedAt    *time.Time        `json:"submittedAt,omitempty" db:"submitted_at"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// BatchIdempotencyKey hashes the sorted entry ids. The same set of entries
// always yields the same key, which is also the on-chain batch id.
func BatchIdempotencyKey(entryIDs []string) string {
	ids := append([]string(nil), entryIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// SetEntries points the batch at exactly these entries: their key, count
// and summed amount. Unparseable amounts add nothing to the total.
func (b *SettlementBatch) SetEntries(entries []*LedgerEntry) {
	ids := make([]string, len(entries))
	total := new(big.Int)
	for i, e := range entries {
		ids[i] = e.ID
		if amt, ok := e.AmountInt(); ok {
			total.Add(total, amt)
		}
	}
	b.IdempotencyKey = BatchIdempotencyKey(ids)
	b.EntryCount = len(entries)
	b.TotalAmount = total.String()
}

// KeyBytes returns the idempotency key as the contract's bytes32 batch id
func (b *SettlementBatch) KeyBytes() [32]byte {
	var out [32]byte
	raw, err := hex.DecodeString(b.IdempotencyKey)
	if err == nil {
		copy(out[:], raw)
	}
	return out
}
