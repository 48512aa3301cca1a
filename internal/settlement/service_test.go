package settlement

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reward-settler/internal/contract"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tipContract = "0x00000000000000000000000000000000000c0de1"
	owner       = "0x0000000000000000000000000000000000000a11"
	executor    = "0x00000000000000000000000000000000000e7ec0"
	usdc        = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	creator     = "0xc0ffee0000000000000000000000000000000001"
	engagerA    = "0xa100000000000000000000000000000000000001"
	engagerB    = "0xb200000000000000000000000000000000000002"
	engagerC    = "0xc300000000000000000000000000000000000003"
)

type recordingNotifier struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingNotifier) NotifySettled(_ context.Context, e *models.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e.ID)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type fixture struct {
	store    *memStore
	sim      *contract.Simulator
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := newMemStore()
	sim := contract.NewSimulator(tipContract, owner, executor)
	_, err := sim.AddExecutor(context.Background(), executor)
	require.NoError(t, err)
	sim.Mint(usdc, creator, big.NewInt(1_000_000))
	sim.Approve(usdc, creator, big.NewInt(1_000_000))

	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 200 * time.Millisecond
	}
	cfg.ReceiptPoll = 5 * time.Millisecond
	cfg.Contract = tipContract

	notifier := &recordingNotifier{}
	svc := NewService(store, store, sim, nil, notifier, cfg)
	svc.now = store.now
	return &fixture{store: store, sim: sim, notifier: notifier, svc: svc}
}

func (f *fixture) addEntries(amount string, to ...string) []string {
	var ids []string
	for i, addr := range to {
		ids = append(ids, f.store.add(models.LedgerEntry{
			FromAddress:  creator,
			ToAddress:    addr,
			TokenAddress: usdc,
			Amount:       amount,
			SourceEvent:  "like:" + addr + ":" + string(rune('a'+i)),
			Action:       types.ActionLike,
		}))
	}
	return ids
}

func (f *fixture) statuses(ids []string) []types.EntryStatus {
	out := make([]types.EntryStatus, len(ids))
	for i, id := range ids {
		out[i] = f.store.entry(id).Status
	}
	return out
}

func all(s types.EntryStatus, n int) []types.EntryStatus {
	out := make([]types.EntryStatus, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestRunCycle_SettlesPendingEntries(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB, engagerC)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Tokens, 1)
	assert.Equal(t, OutcomeConfirmed, report.Tokens[0].Outcome)
	assert.Equal(t, 3, report.Tokens[0].Entries)

	assert.Equal(t, all(types.EntrySettled, 3), f.statuses(ids))
	txHash := *f.store.entry(ids[0]).TxHash
	for _, id := range ids {
		assert.Equal(t, txHash, *f.store.entry(id).TxHash, "entries of one batch share the tx hash")
	}

	assert.Len(t, f.sim.Transfers(), 3)
	assert.Equal(t, big.NewInt(100), f.sim.BalanceOf(usdc, engagerA))
	assert.Equal(t, big.NewInt(999_700), f.sim.BalanceOf(usdc, creator))
	assert.Equal(t, 3, f.notifier.count())

	confirmed := f.store.batchesWith(types.BatchConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, models.BatchIdempotencyKey(ids), confirmed[0].IdempotencyKey)
}

func TestRunCycle_RevertReleasesWholeBatch(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB, engagerC)
	f.sim.RevertNext(1)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeReverted, report.Tokens[0].Outcome)

	assert.Equal(t, all(types.EntryPending, 3), f.statuses(ids))
	for _, id := range ids {
		e := f.store.entry(id)
		assert.Equal(t, 1, e.RetryCount)
		assert.Nil(t, e.BatchID)
		assert.Nil(t, e.TxHash)
	}
	assert.Empty(t, f.sim.Transfers())
	assert.Equal(t, 0, f.notifier.count())
	assert.Len(t, f.store.batchesWith(types.BatchReverted), 1)

	// The next cycle settles the same entries
	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, all(types.EntrySettled, 3), f.statuses(ids))
	assert.Equal(t, 3, f.notifier.count())
}

func TestRunCycle_InsufficientAllowanceReverts(t *testing.T) {
	f := newFixture(t, Config{})
	f.sim.Approve(usdc, creator, big.NewInt(150))
	ids := f.addEntries("100", engagerA, engagerB)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, all(types.EntryPending, 2), f.statuses(ids))
	assert.Empty(t, f.sim.Transfers(), "no partial transfers")
}

func TestRunCycle_RetriesExhaustToFailed(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	ids := f.addEntries("100", engagerA)
	f.sim.RevertNext(2)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RunCycle(context.Background())
		require.NoError(t, err)
	}

	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntryFailed, e.Status)
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, 2, f.sim.Broadcasts(), "failed entries are not retried")
}

func TestRunCycle_UnauthorizedExecutorSendsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.sim.RemoveExecutor(context.Background(), executor)
	require.NoError(t, err)
	ids := f.addEntries("100", engagerA, engagerB)

	report, err := f.svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutorNotAuthorized))
	assert.Equal(t, OutcomeUnauthorized, report.Tokens[0].Outcome)
	assert.Equal(t, 0, f.sim.Broadcasts())
	assert.Equal(t, all(types.EntryPending, 2), f.statuses(ids))
	assert.Empty(t, f.store.batchesWith(types.BatchCollected))

	// Resumes once the owner grants the role
	_, err = f.sim.AddExecutor(context.Background(), executor)
	require.NoError(t, err)
	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, all(types.EntrySettled, 2), f.statuses(ids))
}

func TestRunCycle_SettledIsTerminalAndNotifiedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.notifier.count())

	// A late confirm of the same batch changes nothing
	b := f.store.batchesWith(types.BatchConfirmed)[0]
	require.NoError(t, f.svc.confirm(context.Background(), &b, "0xlate"))
	require.NoError(t, f.svc.revert(context.Background(), &b, "late revert"))

	for i := 0; i < 2; i++ {
		report, err := f.svc.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Tokens)
	}

	assert.Equal(t, all(types.EntrySettled, 2), f.statuses(ids))
	assert.Equal(t, *f.store.entry(ids[0]).TxHash, *f.store.entry(ids[1]).TxHash)
	assert.NotEqual(t, "0xlate", *f.store.entry(ids[0]).TxHash)
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, 1, f.sim.Broadcasts())
}

func TestRunCycle_BatchSizeBoundsCollection(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ids := f.addEntries("100", engagerA, engagerB, engagerC)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.EntryStatus{types.EntrySettled, types.EntrySettled, types.EntryPending}, f.statuses(ids))

	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, all(types.EntrySettled, 3), f.statuses(ids))
}

func TestRunCycle_UnpayableEntryFails(t *testing.T) {
	f := newFixture(t, Config{})
	good := f.addEntries("100", engagerA)
	bad := f.addEntries("0", engagerB)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EntrySettled, f.store.entry(good[0]).Status)
	assert.Equal(t, types.EntryFailed, f.store.entry(bad[0]).Status)
}

func TestRunCycle_RejectedBroadcastReleases(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA)
	f.sim.FailNextBroadcast(errors.Join(contract.ErrRejected, errors.New("nonce too low")), false)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, report.Tokens[0].Outcome)
	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntryPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
}

func TestRunCycle_AmbiguousBroadcastThatLandedIsReconciled(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB)
	f.sim.FailNextBroadcast(errors.New("i/o timeout"), true)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguous, report.Tokens[0].Outcome)
	assert.Equal(t, all(types.EntrySettling, 2), f.statuses(ids))
	assert.Equal(t, 0, f.notifier.count())

	report, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tokens[0].Reconciled)
	assert.Equal(t, all(types.EntrySettled, 2), f.statuses(ids))
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, 1, f.sim.Broadcasts(), "no second transaction for a landed batch")
	assert.Len(t, f.sim.Transfers(), 2)
}

func TestRunCycle_DroppedTransactionIsResentUnderItsNonce(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA)
	f.sim.FailNextBroadcast(errors.New("connection reset by peer"), false)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EntrySettling, f.store.entry(ids[0]).Status)
	batchID := *f.store.entry(ids[0]).BatchID
	nonce := *f.store.batch(batchID).Nonce

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, report.Tokens[0].Outcome)
	assert.Equal(t, types.EntrySettling, f.store.entry(ids[0]).Status)
	b := f.store.batch(batchID)
	assert.Equal(t, nonce, *b.Nonce)
	assert.Equal(t, types.BatchSubmitted, b.Status)

	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntrySettled, e.Status)
	assert.Equal(t, 0, e.RetryCount, "a re-sent batch keeps its entries claimed")
	assert.Equal(t, 2, f.sim.Broadcasts())
	assert.Len(t, f.sim.Transfers(), 1)
}

func TestRunCycle_PendingTransactionBlocksToken(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	ids := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnconfirmed, report.Tokens[0].Outcome)
	f.svc.cfg.ConfirmTimeout = time.Minute

	// New work for the token waits behind the pending batch
	later := f.addEntries("100", engagerB)
	report, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, report.Tokens[0].Outcome)
	assert.Equal(t, 1, f.sim.Broadcasts())
	assert.Equal(t, types.EntryPending, f.store.entry(later[0]).Status)

	f.sim.HoldMining(false)
	f.sim.Mine()
	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EntrySettled, f.store.entry(ids[0]).Status)
	assert.Equal(t, types.EntrySettled, f.store.entry(later[0]).Status)
}

func paidTo(transfers []contract.Transfer, to string) int {
	n := 0
	for _, tr := range transfers {
		if tr.To == to {
			n++
		}
	}
	return n
}

func TestRunCycle_StuckTransactionIsNeverPaidTwice(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	first := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnconfirmed, report.Tokens[0].Outcome)

	later := f.addEntries("100", engagerB)
	f.sim.HoldMining(false)
	f.svc.now = func() time.Time { return f.store.now().Add(time.Hour) }

	report, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, report.Tokens[0].Outcome, "a pending transaction keeps the token blocked")
	assert.Equal(t, types.EntrySettling, f.store.entry(first[0]).Status)
	assert.Equal(t, types.EntryPending, f.store.entry(later[0]).Status)

	// The original transaction is finally mined after its replacement
	f.sim.Mine()
	assert.Equal(t, big.NewInt(100), f.sim.BalanceOf(usdc, engagerA))
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))

	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	e := f.store.entry(first[0])
	assert.Equal(t, types.EntrySettled, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, types.EntrySettled, f.store.entry(later[0]).Status)
	assert.Equal(t, big.NewInt(100), f.sim.BalanceOf(usdc, engagerA))
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))
	assert.Equal(t, 2, f.notifier.count())
}

func TestRunCycle_StuckAndReplacementBothPendingPayOnce(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	ids := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	f.svc.now = func() time.Time { return f.store.now().Add(time.Hour) }

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, report.Tokens[0].Outcome)
	assert.Equal(t, 2, f.sim.Broadcasts())

	f.sim.Mine()
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))

	f.sim.HoldMining(false)
	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EntrySettled, f.store.entry(ids[0]).Status)
	assert.Equal(t, 1, f.notifier.count())
}

func TestRunCycle_DroppedTransactionReturningAfterReplacementPaysOnce(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	ids := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	f.sim.DropPending()
	f.sim.HoldMining(false)

	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))

	// A peer rebroadcasts the dropped original
	f.sim.RestoreDropped()
	f.sim.Mine()
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))

	_, err = f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EntrySettled, f.store.entry(ids[0]).Status)
}

func TestRunCycle_NonceSpentElsewhereReleasesEntries(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	ids := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)

	_, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	batchID := *f.store.entry(ids[0]).BatchID
	nonce := *f.store.batch(batchID).Nonce

	f.sim.DropPending()
	f.sim.SpendNonce(nonce)
	f.sim.HoldMining(false)

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tokens[0].Reconciled)
	assert.Equal(t, types.BatchReverted, f.store.batch(batchID).Status)

	// Released and settled again in a new batch the same cycle
	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntrySettled, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.NotEqual(t, batchID, *e.BatchID)
	assert.Equal(t, 1, paidTo(f.sim.Transfers(), engagerA))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestRunCycle_LogsCarryBatchIDOnce(t *testing.T) {
	f := newFixture(t, Config{ConfirmTimeout: 20 * time.Millisecond})
	out := &syncBuffer{}
	ctx := logging.WithLogger(context.Background(), logging.New(logging.LevelDebug, logging.FormatJSON, out))

	ids := f.addEntries("100", engagerA)
	f.sim.HoldMining(true)
	_, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)

	batchID := *f.store.entry(ids[0]).BatchID
	f.sim.DropPending()
	f.sim.SpendNonce(*f.store.batch(batchID).Nonce)
	f.sim.HoldMining(false)

	// Reconcile releases the batch, then a new batch is submitted and confirmed
	_, err = f.svc.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, types.EntrySettled, f.store.entry(ids[0]).Status)

	var withBatch int
	for _, line := range out.lines() {
		n := strings.Count(line, `"batch_id":`)
		assert.LessOrEqual(t, n, 1, line)
		withBatch += n
	}
	assert.Positive(t, withBatch)
}

func TestRunCycle_CollectedBatchFromCrashIsUnclaimed(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA)
	ctx := context.Background()

	// Simulate a crash between claim and sign
	b := &models.SettlementBatch{TokenAddress: usdc}
	entries := []*models.LedgerEntry{ptr(f.store.entry(ids[0]))}
	b.SetEntries(entries)
	_, err := f.store.ClaimBatch(ctx, b, entries)
	require.NoError(t, err)

	report, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tokens[0].Reconciled)
	assert.Equal(t, types.BatchReverted, f.store.batch(b.ID).Status)

	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntrySettled, e.Status)
	assert.Equal(t, 0, e.RetryCount, "a batch that never left the process costs no retry")
}

func TestRunCycle_ReplacementLogConfirmsBatch(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA)
	ctx := context.Background()

	// A batch recorded as submitted under a hash the chain never saw, while
	// the same batch id settled in another transaction
	b := &models.SettlementBatch{TokenAddress: usdc}
	entries := []*models.LedgerEntry{ptr(f.store.entry(ids[0]))}
	b.SetEntries(entries)
	_, err := f.store.ClaimBatch(ctx, b, entries)
	require.NoError(t, err)

	signed, err := f.sim.PrepareBatch(ctx, toTransfer(b, entries))
	require.NoError(t, err)
	require.NoError(t, f.sim.Broadcast(ctx, signed))
	require.NoError(t, f.store.MarkSubmitted(ctx, b.ID, "0xunknown", 99))

	_, err = f.svc.RunCycle(ctx)
	require.NoError(t, err)
	e := f.store.entry(ids[0])
	assert.Equal(t, types.EntrySettled, e.Status)
	assert.Equal(t, signed.Hash, *e.TxHash)
	assert.Equal(t, 1, f.notifier.count())
}

func ptr[T any](v T) *T { return &v }

type denyLock struct{ acquired int }

func (d *denyLock) Acquire(context.Context, string) (bool, error) { d.acquired++; return false, nil }
func (d *denyLock) Release(context.Context, string) error         { return nil }

func TestSettleToken_HeldLockSkipsToken(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.lock = &denyLock{}
	ids := f.addEntries("100", engagerA)

	res, err := f.svc.SettleToken(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, types.EntryPending, f.store.entry(ids[0]).Status)
	assert.Equal(t, 0, f.sim.Broadcasts())
}

func TestRunCycle_ClaimFailureWritesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB)
	f.store.claimErr = errors.New("connection reset")

	report, err := f.svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, OutcomeError, report.Tokens[0].Outcome)
	assert.Empty(t, report.Tokens[0].BatchID)
	assert.Empty(t, f.store.batchesWith(types.BatchCollected))
	assert.Empty(t, f.store.batchesWith(types.BatchReverted))
	for _, id := range ids {
		assert.Equal(t, types.EntryPending, f.store.entry(id).Status)
	}
	assert.Zero(t, f.sim.Broadcasts())
}

func TestRunCycle_BatchCoversOnlyClaimedEntries(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA, engagerB)
	ctx := context.Background()

	// Another settler takes the first entry between listing and claiming
	f.store.beforeClaim = func() {
		f.store.beforeClaim = nil
		_, err := f.store.MarkFailed(ctx, ids[:1], "operator")
		require.NoError(t, err)
	}

	report, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	tr := report.Tokens[0]
	assert.Equal(t, OutcomeConfirmed, tr.Outcome)
	assert.Equal(t, 1, tr.Entries)

	b := f.store.batch(tr.BatchID)
	assert.Equal(t, 1, b.EntryCount)
	assert.Equal(t, "100", b.TotalAmount)
	assert.Equal(t, models.BatchIdempotencyKey(ids[1:]), b.IdempotencyKey)
	assert.Equal(t, types.EntrySettled, f.store.entry(ids[1]).Status)
	assert.Equal(t, types.EntryFailed, f.store.entry(ids[0]).Status)
}

func TestRunCycle_NothingLeftToClaim(t *testing.T) {
	f := newFixture(t, Config{})
	ids := f.addEntries("100", engagerA)
	ctx := context.Background()

	f.store.beforeClaim = func() {
		f.store.beforeClaim = nil
		_, err := f.store.MarkFailed(ctx, ids, "operator")
		require.NoError(t, err)
	}

	report, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingClaimed, report.Tokens[0].Outcome)
	assert.Empty(t, report.Tokens[0].BatchID)
	assert.Empty(t, f.store.batchesWith(types.BatchCollected))
	assert.Empty(t, f.store.batchesWith(types.BatchReverted))
}
