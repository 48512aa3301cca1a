package contract

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x00000000000000000000000000000000000c0de1"
	testToken    = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	// well-known test keys, never funded anywhere real
	testExecutorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testOwnerKey    = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()

	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{node.server(t).URL}})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	c, err := NewClient(pool, ClientConfig{
		ChainID:         8453,
		ContractAddress: testContract,
		ExecutorKey:     testExecutorKey,
		OwnerKey:        testOwnerKey,
	})
	require.NoError(t, err)
	return c
}

func sampleBatch() BatchTransfer {
	return BatchTransfer{
		BatchID: [32]byte{0xab},
		Token:   testToken,
		From:    []string{"0xc0ffee0000000000000000000000000000000001", "0xc0ffee0000000000000000000000000000000001"},
		To:      []string{"0xa100000000000000000000000000000000000001", "0xa200000000000000000000000000000000000002"},
		Amounts: []*big.Int{big.NewInt(100), big.NewInt(250)},
	}
}

func TestClient_OwnerAndIsExecutor(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	node := newFakeNode(owner)
	c := newTestClient(t, node)
	ctx := context.Background()

	got, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(owner.Hex()), got)

	ok, err := c.IsExecutor(ctx, c.Address())
	require.NoError(t, err)
	assert.False(t, ok)

	node.setExecutor(common.HexToAddress(c.Address()))
	ok, err = c.IsExecutor(ctx, c.Address())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_PrepareAndBroadcastBatch(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	sb, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sb.Nonce)
	assert.True(t, strings.HasPrefix(sb.Hash, "0x"))

	require.NoError(t, c.Broadcast(ctx, sb))
	sent := node.sentTxs()
	require.Len(t, sent, 1)

	tx := sent[0]
	assert.Equal(t, sb.Hash, strings.ToLower(tx.Hash().Hex()))
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, strings.ToLower(testContract), strings.ToLower(tx.To().Hex()))
	assert.Equal(t, uint64(240000), tx.Gas()) // 200000 + 20%

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Address(), strings.ToLower(sender.Hex()))

	method, err := parsedABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "batchTransfer", method.Name)
}

func TestClient_ConcurrentPreparesGetDistinctNonces(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)

	const n = 5
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := sampleBatch()
			b.BatchID = [32]byte{byte(i + 1)}
			sb, err := c.PrepareBatch(context.Background(), b)
			if assert.NoError(t, err) {
				nonces <- sb.Nonce
			}
		}(i)
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for nonce := range nonces {
		assert.False(t, seen[nonce], "nonce %d handed out twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)
	for nonce := uint64(7); nonce < 7+n; nonce++ {
		assert.True(t, seen[nonce])
	}
}

func TestClient_FailedSendResyncsNonce(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	first, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	second, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), first.Nonce)
	assert.Equal(t, uint64(8), second.Nonce)

	node.setSendErr("internal error")
	require.Error(t, c.Broadcast(ctx, first))
	node.setSendErr("")

	// Nothing reached the pool, so the node's count is authoritative again
	third, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), third.Nonce)

	require.NoError(t, c.Broadcast(ctx, third))
	fourth, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), fourth.Nonce)
}

func TestClient_PinnedNonceReplacement(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	original, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	require.NoError(t, c.Broadcast(ctx, original))

	b := sampleBatch()
	b.Nonce = &original.Nonce
	replacement, err := c.PrepareBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, original.Nonce, replacement.Nonce)
	assert.NotEqual(t, original.Hash, replacement.Hash)
	assert.Equal(t, 1, replacement.tx.GasTipCap().Cmp(original.tx.GasTipCap()))
	assert.Equal(t, 1, replacement.tx.GasFeeCap().Cmp(original.tx.GasFeeCap()))

	// A pinned signature does not advance the account's nonce
	next, err := c.PrepareBatch(ctx, sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, original.Nonce+1, next.Nonce)
}

func TestClient_NonceSpent(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	spent, err := c.NonceSpent(ctx, 7)
	require.NoError(t, err)
	assert.False(t, spent)

	node.setLatestNonce(8)
	spent, err = c.NonceSpent(ctx, 7)
	require.NoError(t, err)
	assert.True(t, spent)
	spent, err = c.NonceSpent(ctx, 8)
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestClient_EstimationRevertIsRejected(t *testing.T) {
	node := newFakeNode(common.Address{})
	node.revertGas = true
	c := newTestClient(t, node)

	_, err := c.PrepareBatch(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryChain))
}

func TestClient_BroadcastErrors(t *testing.T) {
	tests := []struct {
		name     string
		sendErr  string
		wantErr  bool
		rejected bool
	}{
		{"already known is success", "already known", false, false},
		{"nonce too low is definitive", "nonce too low: next nonce 9, tx nonce 7", true, true},
		{"underpriced is definitive", "replacement transaction underpriced", true, true},
		{"unknown error is ambiguous", "internal error", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode(common.Address{})
			c := newTestClient(t, node)
			ctx := context.Background()

			sb, err := c.PrepareBatch(ctx, sampleBatch())
			require.NoError(t, err)

			node.setSendErr(tt.sendErr)
			err = c.Broadcast(ctx, sb)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
		})
	}
}

func TestClient_ReceiptAndPending(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	hash := common.HexToHash("0xfeed")
	_, err := c.Receipt(ctx, hash.Hex())
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	pending, err := c.IsPending(ctx, hash.Hex())
	require.NoError(t, err)
	assert.False(t, pending)

	node.setReceipt(hash, 0)
	r, err := c.Receipt(ctx, hash.Hex())
	require.NoError(t, err)
	assert.False(t, r.Succeeded)
	assert.Equal(t, uint64(16), r.BlockNumber)

	node.setReceipt(hash, 1)
	r, err = c.Receipt(ctx, hash.Hex())
	require.NoError(t, err)
	assert.True(t, r.Succeeded)
}

func TestClient_FindBatch(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)
	ctx := context.Background()

	key := [32]byte{0x01, 0x02}
	_, found, err := c.FindBatch(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	node.setSettledLog(key, common.HexToHash("0xbeef"))
	hash, found, err := c.FindBatch(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, strings.ToLower(common.HexToHash("0xbeef").Hex()), hash)
}

func TestClient_AddExecutorSignsWithOwnerKey(t *testing.T) {
	node := newFakeNode(common.Address{})
	c := newTestClient(t, node)

	ownerKey, err := ParsePrivateKey(testOwnerKey)
	require.NoError(t, err)

	type result struct {
		hash string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		hash, err := c.AddExecutor(context.Background(), "0xa100000000000000000000000000000000000001")
		done <- result{hash, err}
	}()

	// Mine the role change once it is sent
	require.Eventually(t, func() bool {
		sent := node.sentTxs()
		if len(sent) == 0 {
			return false
		}
		node.setReceipt(sent[0].Hash(), 1)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	res := <-done
	require.NoError(t, res.err)
	sent := node.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, strings.ToLower(sent[0].Hash().Hex()), res.hash)

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), sent[0])
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(ownerKey.PublicKey), sender)
}

func TestClient_AdminWithoutOwnerKey(t *testing.T) {
	node := newFakeNode(common.Address{})
	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{node.server(t).URL}})
	require.NoError(t, err)
	defer pool.Close()

	c, err := NewClient(pool, ClientConfig{ChainID: 8453, ContractAddress: testContract, ExecutorKey: testExecutorKey})
	require.NoError(t, err)

	_, err = c.AddExecutor(context.Background(), "0xa100000000000000000000000000000000000001")
	assert.ErrorIs(t, err, ErrNoOwnerKey)
}

func TestRPCPool_FailsOverOnRateLimit(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer limited.Close()
	healthy := newFakeNode(common.Address{}).server(t)

	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{limited.URL, healthy.URL}})
	require.NoError(t, err)
	defer pool.Close()

	var head uint64
	err = pool.Do(context.Background(), func(ec *ethclient.Client) error {
		var err error
		head, err = ec.BlockNumber(context.Background())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100), head)
	assert.Equal(t, 1, pool.GetCurrentIndex())

	status := pool.Status()
	assert.True(t, status.EndpointStatus[0].InCooldown)
	assert.False(t, pool.TryResetToPrimary())
}

func TestRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(&RPCPoolConfig{})
	assert.Error(t, err)
}

type recordingGate struct {
	methods []string
	deny    error
}

func (g *recordingGate) Wait(_ context.Context, method string) error {
	g.methods = append(g.methods, method)
	return g.deny
}

func TestRPCPool_CallWaitsOnGate(t *testing.T) {
	node := newFakeNode(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	gate := &recordingGate{}
	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{node.server(t).URL}, Gate: gate})
	require.NoError(t, err)
	defer pool.Close()

	c, err := NewClient(pool, ClientConfig{ChainID: 8453, ContractAddress: testContract, ExecutorKey: testExecutorKey})
	require.NoError(t, err)

	_, err = c.Owner(context.Background())
	require.NoError(t, err)
	_, err = c.IsPending(context.Background(), "0x01")
	require.NoError(t, err)
	assert.Equal(t, []string{"eth_call", "eth_getTransactionByHash"}, gate.methods)

	gate.deny = errors.New("budget exhausted")
	_, err = c.Owner(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget exhausted")
}
