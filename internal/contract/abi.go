package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// tipContractABI covers the calls and events the settler uses
const tipContractABI = `[
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isExecutor","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"addExecutor","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"}],"outputs":[]},
	{"type":"function","name":"removeExecutor","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"}],"outputs":[]},
	{"type":"function","name":"batchTransfer","stateMutability":"nonpayable","inputs":[
		{"name":"batchId","type":"bytes32"},
		{"name":"token","type":"address"},
		{"name":"from","type":"address[]"},
		{"name":"to","type":"address[]"},
		{"name":"amounts","type":"uint256[]"}
	],"outputs":[]},
	{"type":"event","name":"TipTransferred","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"token","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"BatchSettled","anonymous":false,"inputs":[
		{"name":"batchId","type":"bytes32","indexed":true},
		{"name":"count","type":"uint256","indexed":false}
	]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tipContractABI))
	if err != nil {
		panic(fmt.Sprintf("invalid tip contract ABI: %v", err))
	}
	return parsed
}

// BatchSettledTopic is the event signature hash of BatchSettled
func BatchSettledTopic() common.Hash {
	return parsedABI.Events["BatchSettled"].ID
}

// packBatchTransfer encodes batchTransfer calldata
func packBatchTransfer(b BatchTransfer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	from := make([]common.Address, len(b.From))
	to := make([]common.Address, len(b.To))
	for i := range b.From {
		from[i] = common.HexToAddress(b.From[i])
		to[i] = common.HexToAddress(b.To[i])
	}

	return parsedABI.Pack("batchTransfer", b.BatchID, common.HexToAddress(b.Token), from, to, b.Amounts)
}

func packAddressCall(method, account string) ([]byte, error) {
	return parsedABI.Pack(method, common.HexToAddress(account))
}

func unpackAddress(method string, data []byte) (string, error) {
	out, err := parsedABI.Unpack(method, data)
	if err != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return strings.ToLower(addr.Hex()), nil
}

func unpackBool(method string, data []byte) (bool, error) {
	out, err := parsedABI.Unpack(method, data)
	if err != nil {
		return false, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return v, nil
}

// totalAmount sums a batch's amounts
func totalAmount(amounts []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, a := range amounts {
		sum.Add(sum, a)
	}
	return sum
}
