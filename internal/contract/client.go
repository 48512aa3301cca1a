package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/logging"
)

// ClientConfig configures the on-chain client
type ClientConfig struct {
	ChainID         int64
	ContractAddress string
	// ExecutorKey signs batches. OwnerKey is optional and only used for role management.
	ExecutorKey       string
	OwnerKey          string
	LogLookbackBlocks uint64
	// GasMarginPercent is added on top of the estimate. Default 20.
	GasMarginPercent uint64
}

// Client implements Executor and Admin against a real node
type Client struct {
	pool     *RPCPool
	contract common.Address
	chainID  *big.Int
	signer   gethtypes.Signer
	executor *ecdsa.PrivateKey
	owner    *ecdsa.PrivateKey
	lookback uint64
	margin   uint64

	// next nonce per signing account, ahead of the node's pending count while
	// signed transactions wait to be sent
	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

// replacementBumpPercent raises both fee caps of a transaction re-signed
// under a pinned nonce, above the node's replacement threshold
const replacementBumpPercent = 25

// ParsePrivateKey parses a hex private key with or without 0x
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// NewClient creates a contract client on top of an RPC pool
func NewClient(pool *RPCPool, cfg ClientConfig) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	executor, err := ParsePrivateKey(cfg.ExecutorKey)
	if err != nil {
		return nil, fmt.Errorf("executor key: %w", err)
	}

	var owner *ecdsa.PrivateKey
	if cfg.OwnerKey != "" {
		if owner, err = ParsePrivateKey(cfg.OwnerKey); err != nil {
			return nil, fmt.Errorf("owner key: %w", err)
		}
	}

	if cfg.LogLookbackBlocks == 0 {
		cfg.LogLookbackBlocks = 5000
	}
	if cfg.GasMarginPercent == 0 {
		cfg.GasMarginPercent = 20
	}

	chainID := big.NewInt(cfg.ChainID)
	return &Client{
		pool:     pool,
		contract: common.HexToAddress(cfg.ContractAddress),
		chainID:  chainID,
		signer:   gethtypes.LatestSignerForChainID(chainID),
		executor: executor,
		owner:    owner,
		lookback: cfg.LogLookbackBlocks,
		margin:   cfg.GasMarginPercent,
		nonces:   make(map[common.Address]uint64),
	}, nil
}

// Address implements Executor
func (c *Client) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(c.executor.PublicKey).Hex())
}

// Contract returns the tip contract address
func (c *Client) Contract() string {
	return strings.ToLower(c.contract.Hex())
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	var out []byte
	err := c.pool.Call(ctx, "eth_call", func(ec *ethclient.Client) error {
		var err error
		out, err = ec.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, apperrors.NewProviderError("rpc", err)
	}
	return out, nil
}

// Owner implements Executor
func (c *Client) Owner(ctx context.Context) (string, error) {
	data, err := parsedABI.Pack("owner")
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return "", err
	}
	return unpackAddress("owner", out)
}

// IsExecutor implements Executor
func (c *Client) IsExecutor(ctx context.Context, account string) (bool, error) {
	data, err := packAddressCall("isExecutor", account)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return false, err
	}
	return unpackBool("isExecutor", out)
}

// PrepareBatch implements Executor
func (c *Client) PrepareBatch(ctx context.Context, b BatchTransfer) (*SignedBatch, error) {
	data, err := packBatchTransfer(b)
	if err != nil {
		return nil, fmt.Errorf("failed to pack batch: %w", err)
	}

	tx, err := c.signCall(ctx, c.executor, data, b.Nonce)
	if err != nil {
		return nil, err
	}

	return &SignedBatch{
		Hash:     strings.ToLower(tx.Hash().Hex()),
		Nonce:    tx.Nonce(),
		tx:       tx,
		transfer: b,
	}, nil
}

// signCall estimates gas, picks fees and signs a contract call with key.
// A nil pinned takes the account's next nonce: the larger of the node's
// pending count and the last nonce this client handed out, plus one.
func (c *Client) signCall(ctx context.Context, key *ecdsa.PrivateKey, data []byte, pinned *uint64) (*gethtypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	var (
		pending  uint64
		gas      uint64
		tipCap   *big.Int
		gasPrice *big.Int
	)
	err := c.pool.Call(ctx, "sign_transaction", func(ec *ethclient.Client) error {
		var err error
		if gas, err = ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: data}); err != nil {
			return err
		}
		if pending, err = ec.PendingNonceAt(ctx, from); err != nil {
			return err
		}
		if tipCap, err = ec.SuggestGasTipCap(ctx); err != nil {
			return err
		}
		gasPrice, err = ec.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		if _, cerr := classifySendError(err); errors.Is(cerr, ErrRejected) {
			return nil, apperrors.NewChainError("estimate_gas", cerr)
		}
		return nil, apperrors.NewProviderError("rpc", err)
	}

	// Fee cap leaves room for the base fee to double before inclusion
	feeCap := new(big.Int).Add(new(big.Int).Mul(gasPrice, big.NewInt(2)), tipCap)

	var nonce uint64
	if pinned != nil {
		nonce = *pinned
		tipCap = bump(tipCap, replacementBumpPercent)
		feeCap = bump(feeCap, replacementBumpPercent)
	} else {
		nonce = pending
		if next, ok := c.nonces[from]; ok && next > nonce {
			nonce = next
		}
		c.nonces[from] = nonce + 1
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas + gas*c.margin/100,
		To:        &c.contract,
		Data:      data,
	})

	signed, err := gethtypes.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func bump(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+percent))
	return out.Quo(out, big.NewInt(100))
}

// resyncNonce drops the local nonce for from so the next signature follows
// the node's pending count again
func (c *Client) resyncNonce(from common.Address) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	delete(c.nonces, from)
}

// Broadcast implements Executor
func (c *Client) Broadcast(ctx context.Context, sb *SignedBatch) error {
	if sb == nil || sb.tx == nil {
		return errors.New("batch was not prepared by this client")
	}
	return c.send(ctx, sb.tx)
}

func (c *Client) send(ctx context.Context, tx *gethtypes.Transaction) error {
	err := c.pool.Call(ctx, "eth_sendRawTransaction", func(ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
	if err != nil {
		// A nonce this client counted may never reach the pool
		if from, serr := gethtypes.Sender(c.signer, tx); serr == nil {
			c.resyncNonce(from)
		}
	}

	known, cerr := classifySendError(err)
	if known {
		logging.FromContext(ctx).WithField("txHash", tx.Hash().Hex()).Info("Node already knows transaction")
		return nil
	}
	if cerr == nil {
		return nil
	}
	if errors.Is(cerr, ErrRejected) {
		return apperrors.NewChainError("broadcast", cerr)
	}
	return apperrors.NewProviderError("rpc", cerr)
}

// Receipt implements Executor
func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var r *gethtypes.Receipt
	err := c.pool.Call(ctx, "eth_getTransactionReceipt", func(ec *ethclient.Client) error {
		var err error
		r, err = ec.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, apperrors.NewProviderError("rpc", err)
	}

	out := &Receipt{
		TxHash:    strings.ToLower(r.TxHash.Hex()),
		Succeeded: r.Status == gethtypes.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// IsPending implements Executor. Unknown transactions are not pending.
func (c *Client) IsPending(ctx context.Context, txHash string) (bool, error) {
	var pending bool
	err := c.pool.Call(ctx, "eth_getTransactionByHash", func(ec *ethclient.Client) error {
		var err error
		_, pending, err = ec.TransactionByHash(ctx, common.HexToHash(txHash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewProviderError("rpc", err)
	}
	return pending, nil
}

// FindBatch implements Executor
func (c *Client) FindBatch(ctx context.Context, batchID [32]byte) (string, bool, error) {
	var logs []gethtypes.Log
	err := c.pool.Call(ctx, "find_logs", func(ec *ethclient.Client) error {
		head, err := ec.BlockNumber(ctx)
		if err != nil {
			return err
		}
		from := uint64(0)
		if head > c.lookback {
			from = head - c.lookback
		}
		logs, err = ec.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			Addresses: []common.Address{c.contract},
			Topics:    [][]common.Hash{{BatchSettledTopic()}, {common.Hash(batchID)}},
		})
		return err
	})
	if err != nil {
		return "", false, apperrors.NewProviderError("rpc", err)
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		return strings.ToLower(l.TxHash.Hex()), true, nil
	}
	return "", false, nil
}

// NonceSpent implements Executor. The confirmed transaction count of the
// executor account is the next nonce a block can include.
func (c *Client) NonceSpent(ctx context.Context, nonce uint64) (bool, error) {
	from := crypto.PubkeyToAddress(c.executor.PublicKey)
	var confirmed uint64
	err := c.pool.Call(ctx, "eth_getTransactionCount", func(ec *ethclient.Client) error {
		var err error
		confirmed, err = ec.NonceAt(ctx, from, nil)
		return err
	})
	if err != nil {
		return false, apperrors.NewProviderError("rpc", err)
	}
	return confirmed > nonce, nil
}

// AddExecutor implements Admin
func (c *Client) AddExecutor(ctx context.Context, account string) (string, error) {
	return c.ownerCall(ctx, "addExecutor", account)
}

// RemoveExecutor implements Admin
func (c *Client) RemoveExecutor(ctx context.Context, account string) (string, error) {
	return c.ownerCall(ctx, "removeExecutor", account)
}

func (c *Client) ownerCall(ctx context.Context, method, account string) (string, error) {
	if c.owner == nil {
		return "", ErrNoOwnerKey
	}
	if !common.IsHexAddress(account) {
		return "", apperrors.NewInvalidAddressError(account)
	}

	data, err := packAddressCall(method, account)
	if err != nil {
		return "", err
	}
	tx, err := c.signCall(ctx, c.owner, data, nil)
	if err != nil {
		return "", err
	}
	if err := c.send(ctx, tx); err != nil {
		return "", err
	}

	hash := strings.ToLower(tx.Hash().Hex())
	r, err := WaitForReceipt(ctx, c, hash, 0)
	if err != nil {
		return hash, err
	}
	if !r.Succeeded {
		return hash, apperrors.NewChainError(method, fmt.Errorf("%w: transaction %s reverted", ErrRejected, hash))
	}
	return hash, nil
}
