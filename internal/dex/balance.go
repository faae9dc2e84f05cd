package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceOf reads owner's token balance at blockNumber, or at the latest
// block when zero.
func BalanceOf(ctx context.Context, chainClient Caller, token, owner common.Address, blockNumber uint64) (*uint256.Int, error) {
	if chainClient == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	erc20, err := erc20ABIStringInstance()
	if err != nil {
		return nil, err
	}

	data, err := erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	msg := ethereum.CallMsg{To: &token, Data: data}
	resp, err := chainClient.CallContract(ctx, msg, blockArg(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	values, err := erc20.Unpack("balanceOf", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf return size %d", len(values))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf unexpected type %T", values[0])
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("balanceOf overflow: %s", bal)
	}
	return v, nil
}
