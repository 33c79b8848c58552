package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// PackBalanceOf encodes a balanceOf(owner) call.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

// UnpackBalanceOf decodes the uint256 returned by balanceOf.
func UnpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack balanceOf: expected 1 value, got %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack balanceOf: unexpected type %T", out[0])
	}
	return v, nil
}

// PackTransfer encodes a transfer(to, value) call.
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, value)
}

// RawTransfer is a decoded ERC-20 Transfer event.
type RawTransfer struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// ErrMalformedLog is returned for logs that are not well-formed Transfer events.
var ErrMalformedLog = errors.New("malformed transfer log")

// DecodeTransfer decodes a Transfer log. Logs with missing topics, a foreign
// signature or a value field that is not one word are rejected.
func DecodeTransfer(l types.Log) (RawTransfer, error) {
	if len(l.Topics) < 3 {
		return RawTransfer{}, fmt.Errorf("%w: %d topics in tx %s", ErrMalformedLog, len(l.Topics), l.TxHash.Hex())
	}
	if l.Topics[0] != TransferTopic {
		return RawTransfer{}, fmt.Errorf("%w: unexpected signature %s", ErrMalformedLog, l.Topics[0].Hex())
	}
	if len(l.Data) != 32 {
		return RawTransfer{}, fmt.Errorf("%w: data length %d in tx %s", ErrMalformedLog, len(l.Data), l.TxHash.Hex())
	}
	return RawTransfer{
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(l.Data),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}
