package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"name":"from","type":"address"},
	{"indexed":true,"name":"to","type":"address"},
	{"indexed":false,"name":"value","type":"uint256"}
],"name":"Transfer","type":"event"}]`

var (
	transferABI   = mustParseABI(erc20TransferABI)
	transferEvent = transferABI.Events["Transfer"]
	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = transferEvent.ID

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("payment: invalid transfer abi: %v", err))
	}
	return parsed
}

// ReceiptFetcher reads transaction receipts from a ledger node.
// *ethclient.Client satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DirectVerifier settles payments by scanning ERC-20 Transfer logs of a
// successful transaction.
type DirectVerifier struct {
	fetcher ReceiptFetcher
}

// NewDirectVerifier creates a verifier. A nil fetcher leaves direct
// settlement unavailable.
func NewDirectVerifier(fetcher ReceiptFetcher) *DirectVerifier {
	return &DirectVerifier{fetcher: fetcher}
}

// Verify checks that txHash moved at least the quoted amount of the quoted
// asset to payTo. Wrong asset, wrong recipient and short payment all yield
// the same reason. The error return is reserved for ledger RPC faults.
func (d *DirectVerifier) Verify(ctx context.Context, c *Challenge, txHash string) (*Result, error) {
	if strings.TrimSpace(txHash) == "" {
		return unverified(ModeDirect, ReasonMissingTxHash), nil
	}
	if d == nil || d.fetcher == nil {
		return unverified(ModeDirect, ReasonLedgerUnavailable), nil
	}
	if !txHashPattern.MatchString(txHash) {
		return unverified(ModeDirect, ReasonTxMissingOrReverted), nil
	}
	want, err := c.Amount()
	if err != nil {
		return nil, err
	}

	receipt, err := d.fetcher.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return unverified(ModeDirect, ReasonTxMissingOrReverted), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", txHash, err)
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return unverified(ModeDirect, ReasonTxMissingOrReverted), nil
	}

	for _, lg := range receipt.Logs {
		from, to, value, ok := decodeTransfer(lg)
		if !ok || !strings.EqualFold(lg.Address.Hex(), c.Asset) {
			continue
		}
		if strings.EqualFold(to.Hex(), c.PayTo) && value.Cmp(want) >= 0 {
			return &Result{
				Verified:      true,
				SettlementRef: txHash,
				Payer:         from.Hex(),
				AmountAtomic:  value.String(),
				Mode:          ModeDirect,
				TxHash:        txHash,
			}, nil
		}
	}
	return unverified(ModeDirect, ReasonNoMatchingTransfer), nil
}

// decodeTransfer decodes an ERC-20 Transfer log into (from, to, value).
func decodeTransfer(lg *types.Log) (common.Address, common.Address, *big.Int, bool) {
	if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return common.Address{}, common.Address{}, nil, false
	}
	values, err := transferEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil || len(values) != 1 {
		return common.Address{}, common.Address{}, nil, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return common.Address{}, common.Address{}, nil, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	return from, to, value, true
}

// EncodeTransferLog builds the log a token contract emits for a transfer.
// Tests and local simulators use it to fabricate receipts.
func EncodeTransferLog(asset, from, to common.Address, value *big.Int) (*types.Log, error) {
	data, err := transferEvent.Inputs.NonIndexed().Pack(value)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer value: %w", err)
	}
	return &types.Log{
		Address: asset,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}, nil
}
