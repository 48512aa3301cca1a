package contract

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers the JSON-RPC calls the client makes
type fakeNode struct {
	mu sync.Mutex

	owner      common.Address
	executors  map[common.Address]bool
	revertGas  bool
	sendErr    string
	sent       []*gethtypes.Transaction
	receipts   map[common.Hash]uint64 // status
	settledLog map[common.Hash]common.Hash
	calls      map[string]int
	// pendingNonce counts pooled transactions, latestNonce mined ones
	pendingNonce uint64
	latestNonce  uint64
}

func newFakeNode(owner common.Address) *fakeNode {
	return &fakeNode{
		owner:      owner,
		executors:  make(map[common.Address]bool),
		receipts:   make(map[common.Hash]uint64),
		settledLog: make(map[common.Hash]common.Hash),
		calls:      make(map[string]int),

		pendingNonce: 7,
		latestNonce:  7,
	}
}

func (n *fakeNode) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := n.handle(req)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != "" {
			resp["error"] = map[string]interface{}{"code": 3, "message": rpcErr}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (n *fakeNode) handle(req rpcRequest) (interface{}, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++

	switch req.Method {
	case "eth_call":
		var arg struct {
			Input hexutil.Bytes `json:"input"`
			Data  hexutil.Bytes `json:"data"`
		}
		_ = json.Unmarshal(req.Params[0], &arg)
		data := arg.Input
		if len(data) == 0 {
			data = arg.Data
		}
		return n.call(data)
	case "eth_estimateGas":
		if n.revertGas {
			return nil, "execution reverted: caller is not an executor"
		}
		return "0x30d40", ""
	case "eth_getTransactionCount":
		var tag string
		if len(req.Params) > 1 {
			_ = json.Unmarshal(req.Params[1], &tag)
		}
		if tag == "pending" {
			return hexutil.Uint64(n.pendingNonce), ""
		}
		return hexutil.Uint64(n.latestNonce), ""
	case "eth_maxPriorityFeePerGas":
		return "0x3b9aca00", ""
	case "eth_gasPrice":
		return "0x77359400", ""
	case "eth_sendRawTransaction":
		if n.sendErr != "" {
			return nil, n.sendErr
		}
		var raw hexutil.Bytes
		_ = json.Unmarshal(req.Params[0], &raw)
		tx := new(gethtypes.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, err.Error()
		}
		n.sent = append(n.sent, tx)
		if tx.Nonce() >= n.pendingNonce {
			n.pendingNonce = tx.Nonce() + 1
		}
		return tx.Hash().Hex(), ""
	case "eth_getTransactionReceipt":
		var h common.Hash
		_ = json.Unmarshal(req.Params[0], &h)
		status, ok := n.receipts[h]
		if !ok {
			return nil, ""
		}
		return map[string]interface{}{
			"type":              "0x2",
			"status":            hexutil.Uint64(status),
			"cumulativeGasUsed": "0x5208",
			"logsBloom":         hexutil.Bytes(make([]byte, 256)),
			"logs":              []interface{}{},
			"transactionHash":   h,
			"transactionIndex":  "0x0",
			"blockHash":         common.Hash{1},
			"blockNumber":       "0x10",
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x1",
			"contractAddress":   nil,
		}, ""
	case "eth_getTransactionByHash":
		return nil, ""
	case "eth_blockNumber":
		return "0x100", ""
	case "eth_getLogs":
		var q struct {
			Topics [][]common.Hash `json:"topics"`
		}
		_ = json.Unmarshal(req.Params[0], &q)
		if len(q.Topics) < 2 || len(q.Topics[1]) == 0 {
			return []interface{}{}, ""
		}
		key := q.Topics[1][0]
		txHash, ok := n.settledLog[key]
		if !ok {
			return []interface{}{}, ""
		}
		return []interface{}{map[string]interface{}{
			"address":          common.Address{},
			"topics":           []common.Hash{BatchSettledTopic(), key},
			"data":             hexutil.Bytes(common.LeftPadBytes(big.NewInt(3).Bytes(), 32)),
			"blockNumber":      "0xf0",
			"transactionHash":  txHash,
			"transactionIndex": "0x0",
			"blockHash":        common.Hash{2},
			"logIndex":         "0x0",
			"removed":          false,
		}}, ""
	}
	return nil, fmt.Sprintf("method %s not supported", req.Method)
}

func (n *fakeNode) call(data []byte) (interface{}, string) {
	if len(data) < 4 {
		return nil, "empty call"
	}
	switch {
	case string(data[:4]) == string(parsedABI.Methods["owner"].ID):
		return hexutil.Bytes(common.LeftPadBytes(n.owner.Bytes(), 32)), ""
	case string(data[:4]) == string(parsedABI.Methods["isExecutor"].ID):
		account := common.BytesToAddress(data[4:36])
		out := make([]byte, 32)
		if n.executors[account] {
			out[31] = 1
		}
		return hexutil.Bytes(out), ""
	}
	return nil, "execution reverted: unknown selector " + strings.ToLower(hexutil.Encode(data[:4]))
}

func (n *fakeNode) setExecutor(a common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executors[a] = true
}

func (n *fakeNode) setReceipt(h common.Hash, status uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts[h] = status
}

func (n *fakeNode) setSettledLog(key [32]byte, tx common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settledLog[common.Hash(key)] = tx
}

func (n *fakeNode) setSendErr(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr = msg
}

func (n *fakeNode) setLatestNonce(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latestNonce = v
}

func (n *fakeNode) sentTxs() []*gethtypes.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), n.sent...)
}
