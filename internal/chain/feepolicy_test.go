package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeFeeReader struct {
	baseFee *big.Int
	tip     *big.Int
	err     error
}

func (f *fakeFeeReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{BaseFee: f.baseFee, Number: big.NewInt(1)}, nil
}

func (f *fakeFeeReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.tip), nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), weiPerGwei)
}

func TestFeePolicyQuote(t *testing.T) {
	reader := &fakeFeeReader{baseFee: gwei(10), tip: gwei(2)}
	policy := NewFeePolicy(reader, FeePolicyOptions{
		MaxFeePerGasGwei:         300,
		MaxPriorityFeePerGasGwei: 5,
		BumpMultiplier:           1.25,
	}, noopLogger())

	quote, err := policy.Quote(context.Background())
	if err != nil {
		t.Fatalf("报价不应失败: %v", err)
	}
	// maxFee = 2*10 + 2 = 22 gwei
	if quote.MaxFeePerGas.Cmp(gwei(22)) != 0 {
		t.Fatalf("maxFee 应为 22 gwei, 实际 %s", quote.MaxFeePerGas)
	}
	if quote.MaxPriorityFeePerGas.Cmp(gwei(2)) != 0 {
		t.Fatalf("tip 应为 2 gwei, 实际 %s", quote.MaxPriorityFeePerGas)
	}
}

func TestFeePolicyQuoteClampsTip(t *testing.T) {
	reader := &fakeFeeReader{baseFee: gwei(10), tip: gwei(50)}
	policy := NewFeePolicy(reader, FeePolicyOptions{
		MaxFeePerGasGwei:         300,
		MaxPriorityFeePerGasGwei: 5,
		BumpMultiplier:           1.25,
	}, noopLogger())

	quote, err := policy.Quote(context.Background())
	if err != nil {
		t.Fatalf("报价不应失败: %v", err)
	}
	if quote.MaxPriorityFeePerGas.Cmp(gwei(5)) != 0 {
		t.Fatalf("tip 应被限制在 5 gwei, 实际 %s", quote.MaxPriorityFeePerGas)
	}
}

func TestFeePolicyQuoteClampsCeiling(t *testing.T) {
	reader := &fakeFeeReader{baseFee: gwei(500), tip: gwei(2)}
	policy := NewFeePolicy(reader, FeePolicyOptions{
		MaxFeePerGasGwei:         300,
		MaxPriorityFeePerGasGwei: 5,
		BumpMultiplier:           1.25,
	}, noopLogger())

	quote, err := policy.Quote(context.Background())
	if err != nil {
		t.Fatalf("报价不应失败: %v", err)
	}
	if quote.MaxFeePerGas.Cmp(policy.Ceiling()) != 0 {
		t.Fatalf("maxFee 应被限制在上限, 实际 %s", quote.MaxFeePerGas)
	}
}

func TestFeePolicyQuoteLegacyChain(t *testing.T) {
	reader := &fakeFeeReader{baseFee: nil, tip: gwei(2)}
	policy := NewFeePolicy(reader, FeePolicyOptions{MaxFeePerGasGwei: 300, BumpMultiplier: 1.25}, noopLogger())

	if _, err := policy.Quote(context.Background()); err == nil {
		t.Fatal("无 base fee 的链应报错")
	}
}

func TestFeePolicyQuoteReaderError(t *testing.T) {
	reader := &fakeFeeReader{err: errors.New("rpc down")}
	policy := NewFeePolicy(reader, FeePolicyOptions{MaxFeePerGasGwei: 300, BumpMultiplier: 1.25}, noopLogger())

	if _, err := policy.Quote(context.Background()); err == nil {
		t.Fatal("读取失败应报错")
	}
}

func TestFeePolicyBumpMonotonic(t *testing.T) {
	policy := NewFeePolicy(nil, FeePolicyOptions{
		MaxFeePerGasGwei:         300,
		MaxPriorityFeePerGasGwei: 50,
		BumpMultiplier:           1.25,
	}, noopLogger())

	prev := FeeQuote{MaxFeePerGas: gwei(22), MaxPriorityFeePerGas: gwei(2)}
	bumped := policy.Bump(prev)

	if bumped.MaxFeePerGas.Cmp(prev.MaxFeePerGas) <= 0 {
		t.Fatalf("bump 后 maxFee 必须增加: %s -> %s", prev.MaxFeePerGas, bumped.MaxFeePerGas)
	}
	if bumped.MaxPriorityFeePerGas.Cmp(prev.MaxPriorityFeePerGas) <= 0 {
		t.Fatalf("bump 后 tip 必须增加: %s -> %s", prev.MaxPriorityFeePerGas, bumped.MaxPriorityFeePerGas)
	}
	// floor(22 * 1.25) = 27.5 gwei
	want := new(big.Int).Mul(big.NewInt(27), weiPerGwei)
	want.Add(want, new(big.Int).Div(weiPerGwei, big.NewInt(2)))
	if bumped.MaxFeePerGas.Cmp(want) != 0 {
		t.Fatalf("maxFee 应为 27.5 gwei, 实际 %s", bumped.MaxFeePerGas)
	}
}

func TestFeePolicyBumpClampedAtCeiling(t *testing.T) {
	policy := NewFeePolicy(nil, FeePolicyOptions{
		MaxFeePerGasGwei:         30,
		MaxPriorityFeePerGasGwei: 30,
		BumpMultiplier:           2.0,
	}, noopLogger())

	prev := FeeQuote{MaxFeePerGas: gwei(25), MaxPriorityFeePerGas: gwei(25)}
	bumped := policy.Bump(prev)

	if bumped.MaxFeePerGas.Cmp(policy.Ceiling()) != 0 {
		t.Fatalf("bump 超过上限应被截断, 实际 %s", bumped.MaxFeePerGas)
	}
	if bumped.MaxPriorityFeePerGas.Cmp(bumped.MaxFeePerGas) > 0 {
		t.Fatalf("tip 不得超过 maxFee")
	}
}
