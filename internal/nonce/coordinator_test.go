package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeLocker struct {
	err      error
	acquired []string
	released int
}

func (f *fakeLocker) Acquire(_ context.Context, key string) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, key)
	return func() { f.released++ }, nil
}

type fakeNonceReader struct {
	nonce uint64
	err   error
}

func (f *fakeNonceReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, f.err
}

// mutexLocker grants real mutual exclusion, unlike the counting fake.
type mutexLocker struct {
	mu sync.Mutex
}

func (m *mutexLocker) Acquire(context.Context, string) (func(), error) {
	m.mu.Lock()
	return m.mu.Unlock, nil
}

// pendingChain mimics the chain's view: the pending count only advances when a
// transaction is accepted with exactly the expected nonce.
type pendingChain struct {
	mu      sync.Mutex
	pending uint64
}

func (c *pendingChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *pendingChain) broadcast(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n != c.pending {
		return fmt.Errorf("nonce %d rejected, pending is %d", n, c.pending)
	}
	c.pending++
	return nil
}

func TestWithReservedNonceExclusive(t *testing.T) {
	const callers = 16

	chain := &pendingChain{}
	coord := NewCoordinator(&mutexLocker{}, chain, noopLogger())
	signer := common.Address{0xaa}

	var (
		mu       sync.Mutex
		assigned = make(map[uint64]int)
		inFlight int32
		wg       sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := coord.WithReservedNonce(context.Background(), signer, func(n uint64) error {
				if cur := atomic.AddInt32(&inFlight, 1); cur > 1 {
					t.Errorf("同一地址出现 %d 个并发的 nonce 预留", cur)
				}
				defer atomic.AddInt32(&inFlight, -1)

				mu.Lock()
				assigned[n]++
				mu.Unlock()
				return chain.broadcast(n)
			})
			if err != nil {
				t.Errorf("并发预留不应失败: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(assigned) != callers {
		t.Fatalf("应分配 %d 个不同的 nonce, 实际 %d", callers, len(assigned))
	}
	for n := uint64(0); n < callers; n++ {
		if assigned[n] != 1 {
			t.Fatalf("nonce %d 应恰好分配一次, 实际 %d", n, assigned[n])
		}
	}
}

func TestWithReservedNonce(t *testing.T) {
	locks := &fakeLocker{}
	coord := NewCoordinator(locks, &fakeNonceReader{nonce: 42}, noopLogger())
	signer := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	var got uint64
	err := coord.WithReservedNonce(context.Background(), signer, func(n uint64) error {
		got = n
		return nil
	})
	if err != nil {
		t.Fatalf("预留 nonce 不应失败: %v", err)
	}
	if got != 42 {
		t.Fatalf("应传入 pending nonce 42, 实际 %d", got)
	}
	if len(locks.acquired) != 1 || locks.acquired[0] != "nonce:"+signer.Hex() {
		t.Fatalf("锁 key 不正确: %v", locks.acquired)
	}
	if locks.released != 1 {
		t.Fatalf("锁应释放一次, 实际 %d", locks.released)
	}
}

func TestWithReservedNonceReleasesOnError(t *testing.T) {
	locks := &fakeLocker{}
	coord := NewCoordinator(locks, &fakeNonceReader{nonce: 1}, noopLogger())

	wantErr := errors.New("broadcast failed")
	err := coord.WithReservedNonce(context.Background(), common.Address{1}, func(uint64) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("应透传 fn 错误, 实际 %v", err)
	}
	if locks.released != 1 {
		t.Fatalf("出错时锁也应释放, 实际 %d", locks.released)
	}
}

func TestWithReservedNonceReleasesOnPanic(t *testing.T) {
	locks := &fakeLocker{}
	coord := NewCoordinator(locks, &fakeNonceReader{nonce: 1}, noopLogger())

	func() {
		defer func() { _ = recover() }()
		_ = coord.WithReservedNonce(context.Background(), common.Address{1}, func(uint64) error {
			panic("boom")
		})
	}()

	if locks.released != 1 {
		t.Fatalf("panic 时锁也应释放, 实际 %d", locks.released)
	}
}

func TestWithReservedNonceLockTimeout(t *testing.T) {
	locks := &fakeLocker{err: ErrLockTimeout}
	coord := NewCoordinator(locks, &fakeNonceReader{nonce: 1}, noopLogger())

	called := false
	err := coord.WithReservedNonce(context.Background(), common.Address{1}, func(uint64) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("应返回 ErrLockTimeout, 实际 %v", err)
	}
	if called {
		t.Fatal("未获得锁不应执行 fn")
	}
}

func TestWithReservedNonceChainError(t *testing.T) {
	locks := &fakeLocker{}
	coord := NewCoordinator(locks, &fakeNonceReader{err: errors.New("rpc down")}, noopLogger())

	err := coord.WithReservedNonce(context.Background(), common.Address{1}, func(uint64) error {
		t.Fatal("读取 nonce 失败不应执行 fn")
		return nil
	})
	if err == nil {
		t.Fatal("读取 nonce 失败应报错")
	}
	if locks.released != 1 {
		t.Fatalf("锁应释放, 实际 %d", locks.released)
	}
}
