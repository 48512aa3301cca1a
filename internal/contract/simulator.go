package contract

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/models"
)

// RoleSet is the contract's executor role membership, keyed by lower-cased address
type RoleSet map[string]struct{}

// Has reports whether account holds the role
func (r RoleSet) Has(account string) bool {
	_, ok := r[models.NormalizeAddress(account)]
	return ok
}

// Transfer is one TipTransferred event emitted by the simulator
type Transfer struct {
	From   string
	To     string
	Token  string
	Amount *big.Int
	TxHash string
}

type sendFailure struct {
	err    error
	landed bool
}

type simTx struct {
	transfer BatchTransfer
	nonce    uint64
	receipt  *Receipt
	dropped  bool
}

// Simulator is an in-memory tip contract. Batches are all-or-nothing: a
// failing transfer reverts the whole transaction. Each executor nonce is
// mined at most once. Used by tests and CHAIN_MODE=simulated.
type Simulator struct {
	mu sync.Mutex

	contract string
	owner    string
	executor string
	roles    RoleSet

	// balances[token][holder], allowances[token][holder] granted to the contract
	balances   map[string]map[string]*big.Int
	allowances map[string]map[string]*big.Int

	txs       map[string]*simTx
	settled   map[[32]byte]string
	transfers []Transfer
	// spent[nonce] is the hash of the mined transaction that used it
	spent map[uint64]string
	nonce uint64
	signs uint64
	block uint64

	hold       bool
	fundAll    bool
	failSend   []sendFailure
	revertNext int
	broadcasts int
}

// NewSimulator creates a simulator. The executor account starts without the role.
func NewSimulator(contract, owner, executor string) *Simulator {
	return &Simulator{
		contract:   models.NormalizeAddress(contract),
		owner:      models.NormalizeAddress(owner),
		executor:   models.NormalizeAddress(executor),
		roles:      RoleSet{},
		balances:   make(map[string]map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
		txs:        make(map[string]*simTx),
		settled:    make(map[[32]byte]string),
		spent:      make(map[uint64]string),
	}
}

// Mint credits amount of token to holder
func (s *Simulator) Mint(token, holder string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.entry(s.balances, token, holder)
	bal.Add(bal, amount)
}

// Approve sets the allowance holder grants the contract
func (s *Simulator) Approve(token, holder string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(s.allowances, token, holder).Set(amount)
}

// BalanceOf returns holder's balance of token
func (s *Simulator) BalanceOf(token, holder string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.entry(s.balances, token, holder))
}

// Transfers returns every TipTransferred event so far
func (s *Simulator) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}

// Broadcasts counts Broadcast calls, including failed ones
func (s *Simulator) Broadcasts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

// HoldMining keeps broadcast transactions pending until Mine is called
func (s *Simulator) HoldMining(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// FundAll treats every holder as funded and approved for any amount.
// Transfers still credit recipients. Used by CHAIN_MODE=simulated.
func (s *Simulator) FundAll(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundAll = enabled
}

// FailNextBroadcast makes the next Broadcast return err. When landed is
// true the transaction still reaches the chain, as after a timeout on a
// request the node did accept.
func (s *Simulator) FailNextBroadcast(err error, landed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSend = append(s.failSend, sendFailure{err: err, landed: landed})
}

// RevertNext makes the next n mined batches revert
func (s *Simulator) RevertNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertNext += n
}

// Mine executes every pending transaction
func (s *Simulator) Mine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, tx := range s.txs {
		if tx.receipt == nil && !tx.dropped {
			s.execute(hash, tx)
		}
	}
}

// DropPending discards every pending transaction, as a node evicting them would
func (s *Simulator) DropPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.receipt == nil {
			tx.dropped = true
		}
	}
}

// RestoreDropped puts dropped transactions back in the pool, as a peer
// that still held them would rebroadcast them. Mining is held so the
// caller decides when they run.
func (s *Simulator) RestoreDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
	for _, tx := range s.txs {
		if tx.dropped {
			tx.dropped = false
		}
	}
}

// SpendNonce marks nonce as used by a transaction outside the simulator's
// view, such as a manual transfer from the executor account
func (s *Simulator) SpendNonce(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	s.spent[nonce] = strings.ToLower(crypto.Keccak256Hash([]byte("external"), buf[:]).Hex())
}

// Address implements Executor
func (s *Simulator) Address() string { return s.executor }

// Owner implements Executor
func (s *Simulator) Owner(ctx context.Context) (string, error) { return s.owner, nil }

// IsExecutor implements Executor
func (s *Simulator) IsExecutor(ctx context.Context, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles.Has(account), nil
}

// PrepareBatch implements Executor. Like gas estimation on a real node it
// rejects calls from accounts without the executor role.
func (s *Simulator) PrepareBatch(ctx context.Context, b BatchTransfer) (*SignedBatch, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("failed to pack batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.roles.Has(s.executor) {
		return nil, apperrors.NewChainError("estimate_gas", fmt.Errorf("%w: execution reverted: caller is not an executor", ErrRejected))
	}

	var nonce uint64
	if b.Nonce != nil {
		nonce = *b.Nonce
	} else {
		nonce = s.nonce
		s.nonce++
	}
	s.signs++

	// A re-signed transaction differs in fees, so in hash
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], s.signs)
	hash := crypto.Keccak256Hash([]byte(s.executor), buf[:], b.BatchID[:])

	return &SignedBatch{Hash: strings.ToLower(hash.Hex()), Nonce: nonce, transfer: b}, nil
}

// Broadcast implements Executor
func (s *Simulator) Broadcast(ctx context.Context, sb *SignedBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.broadcasts++
	if _, ok := s.spent[sb.Nonce]; ok {
		return apperrors.NewChainError("broadcast", fmt.Errorf("%w: nonce too low", ErrRejected))
	}
	var failure sendFailure
	if len(s.failSend) > 0 {
		failure = s.failSend[0]
		s.failSend = s.failSend[1:]
	}

	if failure.err == nil || failure.landed {
		if _, ok := s.txs[sb.Hash]; !ok {
			tx := &simTx{transfer: sb.transfer, nonce: sb.Nonce}
			s.txs[sb.Hash] = tx
			if !s.hold {
				s.execute(sb.Hash, tx)
			}
		}
	}

	if failure.err != nil {
		if errors.Is(failure.err, ErrRejected) {
			return apperrors.NewChainError("broadcast", failure.err)
		}
		return apperrors.NewProviderError("rpc", failure.err)
	}
	return nil
}

// execute applies a batch atomically (must hold lock). A transaction whose
// nonce is already spent can never be mined and leaves the pool.
func (s *Simulator) execute(hash string, tx *simTx) {
	if _, ok := s.spent[tx.nonce]; ok {
		tx.dropped = true
		return
	}
	s.spent[tx.nonce] = hash
	s.block++
	tx.receipt = &Receipt{TxHash: hash, BlockNumber: s.block, GasUsed: 50_000 + 30_000*uint64(len(tx.transfer.From))}

	if s.revertNext > 0 {
		s.revertNext--
		return
	}
	b := tx.transfer
	if _, done := s.settled[b.BatchID]; done {
		return
	}

	// Check every transfer before moving anything
	need := make(map[string]*big.Int)
	for i := range b.From {
		from := models.NormalizeAddress(b.From[i])
		if need[from] == nil {
			need[from] = new(big.Int)
		}
		need[from].Add(need[from], b.Amounts[i])
	}
	for from, amt := range need {
		if s.fundAll {
			break
		}
		if s.entry(s.balances, b.Token, from).Cmp(amt) < 0 || s.entry(s.allowances, b.Token, from).Cmp(amt) < 0 {
			return
		}
	}

	for i := range b.From {
		from, to := models.NormalizeAddress(b.From[i]), models.NormalizeAddress(b.To[i])
		if !s.fundAll {
			s.entry(s.balances, b.Token, from).Sub(s.entry(s.balances, b.Token, from), b.Amounts[i])
			s.entry(s.allowances, b.Token, from).Sub(s.entry(s.allowances, b.Token, from), b.Amounts[i])
		}
		s.entry(s.balances, b.Token, to).Add(s.entry(s.balances, b.Token, to), b.Amounts[i])
		s.transfers = append(s.transfers, Transfer{
			From: from, To: to, Token: models.NormalizeAddress(b.Token),
			Amount: new(big.Int).Set(b.Amounts[i]), TxHash: hash,
		})
	}
	s.settled[b.BatchID] = hash
	tx.receipt.Succeeded = true
}

// Receipt implements Executor
func (s *Simulator) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[strings.ToLower(txHash)]
	if !ok || tx.receipt == nil {
		return nil, ErrReceiptNotFound
	}
	r := *tx.receipt
	return &r, nil
}

// IsPending implements Executor
func (s *Simulator) IsPending(ctx context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[strings.ToLower(txHash)]
	return ok && tx.receipt == nil && !tx.dropped, nil
}

// FindBatch implements Executor
func (s *Simulator) FindBatch(ctx context.Context, batchID [32]byte) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.settled[batchID]
	return hash, ok, nil
}

// NonceSpent implements Executor
func (s *Simulator) NonceSpent(ctx context.Context, nonce uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spent[nonce]
	return ok, nil
}

// AddExecutor implements Admin
func (s *Simulator) AddExecutor(ctx context.Context, account string) (string, error) {
	return s.setRole(account, true)
}

// RemoveExecutor implements Admin
func (s *Simulator) RemoveExecutor(ctx context.Context, account string) (string, error) {
	return s.setRole(account, false)
}

func (s *Simulator) setRole(account string, grant bool) (string, error) {
	if !models.IsValidAddress(account) {
		return "", apperrors.NewInvalidAddressError(account)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := models.NormalizeAddress(account)
	if grant {
		s.roles[a] = struct{}{}
	} else {
		delete(s.roles, a)
	}
	s.block++

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.block)
	return strings.ToLower(crypto.Keccak256Hash([]byte("role"), []byte(a), buf[:]).Hex()), nil
}

func (s *Simulator) entry(m map[string]map[string]*big.Int, token, holder string) *big.Int {
	t := models.NormalizeAddress(token)
	h := models.NormalizeAddress(holder)
	if m[t] == nil {
		m[t] = make(map[string]*big.Int)
	}
	if m[t][h] == nil {
		m[t][h] = new(big.Int)
	}
	return m[t][h]
}
