package oracle

import (
	"math/big"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc":      "BTC",
		" BTC ":    "BTC",
		"BTC-USD":  "BTC",
		"BTC/USD":  "BTC",
		"eth-perp": "ETH",
		"SOLUSDT":  "SOL",
	}
	for input, want := range cases {
		if got := NormalizeSymbol(input); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, 期望 %q", input, got, want)
		}
	}
}

func TestDeviationBps(t *testing.T) {
	// 100.00 vs 100.10 is exactly 10 bps.
	p1 := int64(100_0000_0000)
	p2 := int64(100_1000_0000)
	if got := DeviationBps(p1, p2); got != 10 {
		t.Fatalf("偏差应为 10 bps, 实际 %d", got)
	}

	if got := DeviationBps(p1, p1); got != 0 {
		t.Fatalf("相同价格偏差应为 0, 实际 %d", got)
	}

	// Zero reference must not divide by zero.
	if got := DeviationBps(0, 100); got <= 0 {
		t.Fatalf("零参考价应返回正偏差, 实际 %d", got)
	}
}

func TestFixedFromBigInt(t *testing.T) {
	// Pyth style: 6276071000000 with expo -8 is already 1e8 scale.
	got, err := FixedFromBigInt(big.NewInt(6276071000000), 8)
	if err != nil {
		t.Fatalf("转换不应报错: %v", err)
	}
	if got != 6276071000000 {
		t.Fatalf("expo -8 应原样返回, 实际 %d", got)
	}

	// Chainlink style: 8 decimals from a 18-decimal answer, truncating.
	got, err = FixedFromBigInt(big.NewInt(1_500_000_000_000_000_000), 18)
	if err != nil {
		t.Fatalf("转换不应报错: %v", err)
	}
	if got != 1_5000_0000 {
		t.Fatalf("18 位小数应截断为 1.5e8, 实际 %d", got)
	}

	// Fewer decimals get scaled up.
	got, err = FixedFromBigInt(big.NewInt(42), 0)
	if err != nil {
		t.Fatalf("转换不应报错: %v", err)
	}
	if got != 42_0000_0000 {
		t.Fatalf("0 位小数应放大到 1e8, 实际 %d", got)
	}

	// Overflow must be reported, not wrapped.
	huge, _ := new(big.Int).SetString("99999999999999999999999999", 10)
	if _, err := FixedFromBigInt(huge, 0); err == nil {
		t.Fatal("溢出应报错")
	}

	if _, err := FixedFromBigInt(nil, 8); err == nil {
		t.Fatal("nil 价格应报错")
	}
}

func TestConfidenceBps(t *testing.T) {
	// conf 0.5 on price 100 is 50 bps.
	if got := confidenceBps(big.NewInt(50_000_000), big.NewInt(100_0000_0000)); got != 50 {
		t.Fatalf("置信区间应为 50 bps, 实际 %d", got)
	}
	if got := confidenceBps(big.NewInt(1), nil); got != 0 {
		t.Fatalf("nil 价格应返回 0, 实际 %d", got)
	}
	if got := confidenceBps(nil, big.NewInt(1)); got != 0 {
		t.Fatalf("nil conf 应返回 0, 实际 %d", got)
	}
}
