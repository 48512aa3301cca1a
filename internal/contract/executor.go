// Package contract talks to the tip contract that moves reward tokens from
// creators to engagers in batches.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/reward-settler/internal/models"
)

var (
	// ErrReceiptNotFound means the transaction has not been mined (yet)
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrRejected marks a definitive rejection: the transaction can never land
	// as signed, so its entries are safe to release.
	ErrRejected = errors.New("transaction rejected")
	// ErrNoOwnerKey is returned by admin calls when no owner key is configured
	ErrNoOwnerKey = errors.New("owner key not configured")
)

// BatchTransfer is one batchTransfer call. From, To and Amounts are parallel.
type BatchTransfer struct {
	BatchID [32]byte
	Token   string
	From    []string
	To      []string
	Amounts []*big.Int
	// Nonce pins the transaction to an earlier one's nonce so at most one of
	// them can be mined. Nil takes the account's next nonce.
	Nonce *uint64
}

// Validate checks the arrays line up and every amount is positive
func (b BatchTransfer) Validate() error {
	if len(b.From) == 0 {
		return errors.New("empty batch")
	}
	if len(b.From) != len(b.To) || len(b.From) != len(b.Amounts) {
		return fmt.Errorf("batch arrays differ in length: %d/%d/%d", len(b.From), len(b.To), len(b.Amounts))
	}
	if !models.IsValidAddress(b.Token) {
		return fmt.Errorf("invalid token address %q", b.Token)
	}
	for i := range b.From {
		if !models.IsValidAddress(b.From[i]) || !models.IsValidAddress(b.To[i]) {
			return fmt.Errorf("invalid address at index %d", i)
		}
		if b.Amounts[i] == nil || b.Amounts[i].Sign() <= 0 {
			return fmt.Errorf("non-positive amount at index %d", i)
		}
	}
	return nil
}

// SignedBatch is a signed, not yet broadcast, batch transaction
type SignedBatch struct {
	Hash  string
	Nonce uint64

	tx       *gethtypes.Transaction
	transfer BatchTransfer
}

// Receipt is the mined outcome of a transaction
type Receipt struct {
	TxHash      string
	Succeeded   bool
	BlockNumber uint64
	GasUsed     uint64
}

// Executor is the settlement-side view of the tip contract
type Executor interface {
	// Address is the executor account that signs batches
	Address() string
	Owner(ctx context.Context) (string, error)
	IsExecutor(ctx context.Context, account string) (bool, error)
	// PrepareBatch estimates and signs a batch without sending it.
	// An estimation revert is returned wrapping ErrRejected.
	PrepareBatch(ctx context.Context, b BatchTransfer) (*SignedBatch, error)
	// Broadcast sends a signed batch. Definitive rejections wrap ErrRejected;
	// any other error is ambiguous and the transaction may still land.
	Broadcast(ctx context.Context, tx *SignedBatch) error
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	IsPending(ctx context.Context, txHash string) (bool, error)
	// FindBatch looks for the BatchSettled event of a batch id
	FindBatch(ctx context.Context, batchID [32]byte) (txHash string, found bool, err error)
	// NonceSpent reports whether a mined transaction of the executor account
	// already used nonce. Once it has, no other transaction with it can land.
	NonceSpent(ctx context.Context, nonce uint64) (bool, error)
}

// Admin holds the owner-only role management calls
type Admin interface {
	AddExecutor(ctx context.Context, account string) (txHash string, err error)
	RemoveExecutor(ctx context.Context, account string) (txHash string, err error)
}

// WaitForReceipt polls until the transaction is mined or ctx ends
func WaitForReceipt(ctx context.Context, ex Executor, txHash string, poll time.Duration) (*Receipt, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := ex.Receipt(ctx, txHash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classifySendError sorts node errors into already-known, definitive
// rejections, and ambiguous failures.
func classifySendError(err error) (alreadyKnown bool, out error) {
	if err == nil {
		return false, nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return true, nil
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "invalid sender"):
		return false, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return false, err
}
