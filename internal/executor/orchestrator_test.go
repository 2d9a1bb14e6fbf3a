package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"perp-executor/internal/alerting"
	"perp-executor/internal/chain"
	"perp-executor/internal/txstore"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// memStore is an in-memory txstore.IntentStore with per-key lock semantics.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	intents  map[string]*txstore.TxIntent
	sends    map[int64][]txstore.TxSend
	receipts map[string]txstore.TxReceipt
	keyLocks map[string]*sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		intents:  make(map[string]*txstore.TxIntent),
		sends:    make(map[int64][]txstore.TxSend),
		receipts: make(map[string]txstore.TxReceipt),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (m *memStore) EnsureIntent(_ context.Context, key string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[key]; ok {
		return nil
	}
	m.nextID++
	m.intents[key] = &txstore.TxIntent{
		ID:        m.nextID,
		IntentKey: key,
		Status:    txstore.StatusCreated,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *memStore) GetIntent(_ context.Context, key string) (txstore.TxIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[key]
	if !ok {
		return txstore.TxIntent{}, txstore.ErrIntentNotFound
	}
	return *intent, nil
}

func (m *memStore) UpdateIntentStatus(_ context.Context, id int64, status txstore.IntentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.ID == id {
			intent.Status = status
			intent.UpdatedAt = time.Now()
			return nil
		}
	}
	return txstore.ErrIntentNotFound
}

func (m *memStore) InsertSend(_ context.Context, send txstore.TxSend) (txstore.TxSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	send.ID = m.nextID
	send.SentAt = time.Now()
	m.sends[send.IntentID] = append(m.sends[send.IntentID], send)
	return send, nil
}

func (m *memStore) LatestSend(_ context.Context, intentID int64) (txstore.TxSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sends := m.sends[intentID]
	if len(sends) == 0 {
		return txstore.TxSend{}, txstore.ErrNoSends
	}
	return sends[len(sends)-1], nil
}

func (m *memStore) SendsForIntent(_ context.Context, intentID int64) ([]txstore.TxSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]txstore.TxSend, len(m.sends[intentID]))
	copy(out, m.sends[intentID])
	return out, nil
}

func (m *memStore) MarkSendReplaced(_ context.Context, txHash, replacedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for intentID, sends := range m.sends {
		for i := range sends {
			if sends[i].TxHash == txHash {
				v := replacedBy
				m.sends[intentID][i].ReplacedBy = &v
				return nil
			}
		}
	}
	return txstore.ErrNoSends
}

func (m *memStore) InsertReceipt(_ context.Context, receipt txstore.TxReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[receipt.TxHash]; !ok {
		m.receipts[receipt.TxHash] = receipt
	}
	return nil
}

func (m *memStore) GetReceipt(_ context.Context, txHash string) (txstore.TxReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[txHash]
	if !ok {
		return txstore.TxReceipt{}, txstore.ErrReceiptNotFound
	}
	return receipt, nil
}

func (m *memStore) ListUnresolvedIntents(_ context.Context, limit int) ([]txstore.TxIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]txstore.TxIntent, 0)
	for _, intent := range m.intents {
		if len(out) >= limit {
			break
		}
		if intent.Status.InFlight() {
			out = append(out, *intent)
			continue
		}
		if intent.Status == txstore.StatusFailed {
			for _, send := range m.sends[intent.ID] {
				if _, ok := m.receipts[send.TxHash]; !ok {
					out = append(out, *intent)
					break
				}
			}
		}
	}
	return out, nil
}

func (m *memStore) WithIntentLock(_ context.Context, key string, _ time.Duration, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (m *memStore) status(key string) txstore.IntentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intents[key].Status
}

func (m *memStore) sendCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends[m.intents[key].ID])
}

var _ txstore.IntentStore = (*memStore)(nil)

// fakeChain mines transactions listed in mineOn as soon as they are sent.
type fakeChain struct {
	mu         sync.Mutex
	head       uint64
	mined      map[common.Hash]*types.Receipt
	mineNext   bool
	revertNext bool
	sendErr    error
	sendCount  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{head: 100, mined: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sendCount++
	if f.mineNext {
		status := types.ReceiptStatusSuccessful
		if f.revertNext {
			status = types.ReceiptStatusFailed
		}
		f.mined[tx.Hash()] = &types.Receipt{
			Status:            status,
			BlockNumber:       big.NewInt(int64(f.head)),
			GasUsed:           21_000,
			EffectiveGasPrice: big.NewInt(1_000_000_000),
		}
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.mined[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return receipt, nil
}

func (f *fakeChain) mine(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mined[hash] = &types.Receipt{
		Status:            status,
		BlockNumber:       big.NewInt(int64(f.head)),
		GasUsed:           21_000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

type fakeSigner struct {
	addr common.Address
}

func (f *fakeSigner) Address() common.Address { return f.addr }

func (f *fakeSigner) SignTx(tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	return tx, nil
}

type fakeFees struct{}

func (fakeFees) Quote(context.Context) (chain.FeeQuote, error) {
	return chain.FeeQuote{
		MaxFeePerGas:         big.NewInt(22_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}, nil
}

func (fakeFees) Bump(prev chain.FeeQuote) chain.FeeQuote {
	return chain.FeeQuote{
		MaxFeePerGas:         new(big.Int).Mul(prev.MaxFeePerGas, big.NewInt(2)),
		MaxPriorityFeePerGas: new(big.Int).Mul(prev.MaxPriorityFeePerGas, big.NewInt(2)),
	}
}

type fakeBuilder struct {
	err error
}

func (f *fakeBuilder) Build(_ context.Context, _, to common.Address, value *big.Int, data []byte, hint uint64) (chain.TxParams, error) {
	if f.err != nil {
		return chain.TxParams{}, f.err
	}
	if value == nil {
		value = new(big.Int)
	}
	gas := hint
	if gas == 0 {
		gas = 100_000
	}
	return chain.TxParams{To: to, Value: value, Data: data, GasLimit: gas}, nil
}

type fakeNonces struct {
	mu    sync.Mutex
	next  uint64
	calls int
}

func (f *fakeNonces) WithReservedNonce(_ context.Context, _ common.Address, fn func(nonce uint64) error) error {
	f.mu.Lock()
	nonce := f.next
	f.calls++
	f.mu.Unlock()
	if err := fn(nonce); err != nil {
		return err
	}
	f.mu.Lock()
	f.next++
	f.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

type harness struct {
	store    *memStore
	chain    *fakeChain
	builder  *fakeBuilder
	nonces   *fakeNonces
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newHarness(opts Options) *harness {
	h := &harness{
		store:    newMemStore(),
		chain:    newFakeChain(),
		builder:  &fakeBuilder{},
		nonces:   &fakeNonces{next: 7},
		notifier: &recordingNotifier{},
	}
	if opts.ChainID == 0 {
		opts.ChainID = 42161
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}
	if opts.FinalPollTimeout == 0 {
		opts.FinalPollTimeout = 50 * time.Millisecond
	}
	h.orch = NewOrchestrator(h.store, h.chain, &fakeSigner{addr: common.Address{0xaa}}, fakeFees{}, h.builder, h.nonces, h.notifier, opts, noopLogger())
	return h
}

func testRequest(key string) Request {
	return Request{
		IntentKey: key,
		To:        common.Address{0xbb},
		Payload:   []byte{0x01, 0x02},
	}
}

func TestExecuteMinesFirstAttempt(t *testing.T) {
	h := newHarness(Options{})
	h.chain.mineNext = true

	result, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if err != nil {
		t.Fatalf("执行不应失败: %v", err)
	}
	if result.Status != txstore.StatusMined {
		t.Fatalf("状态应为 MINED, 实际 %s", result.Status)
	}
	if result.TxHash == "" {
		t.Fatal("应返回交易哈希")
	}
	if h.store.status("intent-1") != txstore.StatusMined {
		t.Fatalf("持久化状态应为 MINED")
	}
	if h.store.sendCount("intent-1") != 1 {
		t.Fatalf("应只广播一次, 实际 %d", h.store.sendCount("intent-1"))
	}

	send, _ := h.store.LatestSend(context.Background(), 1)
	if send.Nonce != 7 {
		t.Fatalf("应使用预留的 nonce 7, 实际 %d", send.Nonce)
	}
	if _, err := h.store.GetReceipt(context.Background(), result.TxHash); err != nil {
		t.Fatalf("回执应持久化: %v", err)
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	h := newHarness(Options{})
	h.chain.mineNext = true

	first, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if err != nil {
		t.Fatalf("首次执行不应失败: %v", err)
	}

	second, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if err != nil {
		t.Fatalf("重放不应失败: %v", err)
	}
	if second.TxHash != first.TxHash {
		t.Fatalf("重放应返回原始哈希: %s vs %s", second.TxHash, first.TxHash)
	}
	if h.chain.sendCount != 1 {
		t.Fatalf("重放不应再次广播, 实际 %d", h.chain.sendCount)
	}
}

func TestExecuteConcurrentSameKey(t *testing.T) {
	h := newHarness(Options{})
	h.chain.mineNext = true

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Execute(context.Background(), testRequest("intent-1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("并发执行 %d 不应失败: %v", i, errs[i])
		}
	}
	if results[0].TxHash != results[1].TxHash {
		t.Fatalf("并发同 key 应观察到同一笔交易")
	}
	if h.chain.sendCount != 1 {
		t.Fatalf("并发同 key 应只广播一次, 实际 %d", h.chain.sendCount)
	}
}

func TestExecuteReplacesByFee(t *testing.T) {
	h := newHarness(Options{MaxAttempts: 3})

	// First broadcast is never mined; the replacement is.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			time.Sleep(5 * time.Millisecond)
			h.chain.mu.Lock()
			if h.chain.sendCount >= 2 {
				h.chain.mineNext = true
				h.chain.mu.Unlock()
				return
			}
			h.chain.mu.Unlock()
		}
	}()

	result, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	<-done
	if err != nil {
		t.Fatalf("替换后执行不应失败: %v", err)
	}
	if result.Status != txstore.StatusMined {
		t.Fatalf("状态应为 MINED, 实际 %s", result.Status)
	}

	sends, _ := h.store.SendsForIntent(context.Background(), 1)
	if len(sends) < 2 {
		t.Fatalf("应至少有 2 次广播, 实际 %d", len(sends))
	}

	first, last := sends[0], sends[len(sends)-1]
	if first.Nonce != last.Nonce {
		t.Fatalf("替换必须复用 nonce: %d vs %d", first.Nonce, last.Nonce)
	}
	if last.MaxFeePerGas.Cmp(first.MaxFeePerGas) <= 0 {
		t.Fatalf("替换费率必须更高: %s vs %s", first.MaxFeePerGas, last.MaxFeePerGas)
	}
	if first.ReplacedBy == nil || *first.ReplacedBy != sends[1].TxHash {
		t.Fatalf("被替换的 send 应记录后继哈希")
	}
	if result.TxHash != last.TxHash {
		t.Fatalf("应返回最终替换交易的哈希")
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	h := newHarness(Options{MaxAttempts: 2})

	result, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if !errors.Is(err, ErrTerminalFailure) {
		t.Fatalf("耗尽尝试应返回 ErrTerminalFailure, 实际 %v", err)
	}
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("错误链应包含 ErrReceiptTimeout, 实际 %v", err)
	}
	if result.Status != txstore.StatusFailed {
		t.Fatalf("状态应为 FAILED, 实际 %s", result.Status)
	}
	if h.store.status("intent-1") != txstore.StatusFailed {
		t.Fatal("持久化状态应为 FAILED")
	}
	if got := h.store.sendCount("intent-1"); got != 2 {
		t.Fatalf("应广播 MaxAttempts 次, 实际 %d", got)
	}

	kinds := h.notifier.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != alerting.KindTxFailure {
		t.Fatalf("应发送失败告警, 实际 %v", kinds)
	}
}

func TestExecuteRevertMarksFailed(t *testing.T) {
	h := newHarness(Options{})
	h.chain.mineNext = true
	h.chain.revertNext = true

	result, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("revert 应返回 ErrReverted, 实际 %v", err)
	}
	if result.Status != txstore.StatusFailed {
		t.Fatalf("状态应为 FAILED, 实际 %s", result.Status)
	}

	receipt, err := h.store.GetReceipt(context.Background(), result.TxHash)
	if err != nil {
		t.Fatalf("revert 回执也应持久化: %v", err)
	}
	if receipt.Status != 0 {
		t.Fatalf("回执状态应为 0, 实际 %d", receipt.Status)
	}
}

func TestExecuteBuildFailure(t *testing.T) {
	h := newHarness(Options{})
	h.builder.err = errors.New("estimate reverted")

	result, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if !errors.Is(err, ErrBuildFailure) {
		t.Fatalf("构建失败应返回 ErrBuildFailure, 实际 %v", err)
	}
	if result.Status != txstore.StatusFailed {
		t.Fatalf("状态应为 FAILED, 实际 %s", result.Status)
	}
	if h.chain.sendCount != 0 {
		t.Fatalf("构建失败不应广播, 实际 %d", h.chain.sendCount)
	}
}

func TestExecuteTerminalFailureReplay(t *testing.T) {
	h := newHarness(Options{MaxAttempts: 1})

	if _, err := h.orch.Execute(context.Background(), testRequest("intent-1")); !errors.Is(err, ErrTerminalFailure) {
		t.Fatalf("首次执行应终态失败: %v", err)
	}
	sent := h.chain.sendCount

	_, err := h.orch.Execute(context.Background(), testRequest("intent-1"))
	if !errors.Is(err, ErrTerminalFailure) {
		t.Fatalf("重放 FAILED intent 应返回 ErrTerminalFailure, 实际 %v", err)
	}
	if h.chain.sendCount != sent {
		t.Fatalf("重放 FAILED intent 不应再次广播")
	}
}

func TestExecuteResumesInFlight(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	// Simulate a prior run that broadcast and crashed mid-poll.
	if err := h.store.EnsureIntent(ctx, "intent-1", nil); err != nil {
		t.Fatal(err)
	}
	intent, _ := h.store.GetIntent(ctx, "intent-1")
	hash := common.HexToHash("0x1111")
	if _, err := h.store.InsertSend(ctx, txstore.TxSend{
		IntentID:             intent.ID,
		ChainID:              42161,
		Nonce:                7,
		MaxFeePerGas:         big.NewInt(22_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		GasLimit:             100_000,
		TxHash:               hash.Hex(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusSent); err != nil {
		t.Fatal(err)
	}
	h.chain.mine(hash, uint64(types.ReceiptStatusSuccessful))

	result, err := h.orch.Execute(ctx, testRequest("intent-1"))
	if err != nil {
		t.Fatalf("恢复 in-flight intent 不应失败: %v", err)
	}
	if result.Status != txstore.StatusMined {
		t.Fatalf("状态应为 MINED, 实际 %s", result.Status)
	}
	if result.TxHash != hash.Hex() {
		t.Fatalf("应返回原始广播哈希")
	}
	if h.chain.sendCount != 0 {
		t.Fatalf("恢复时不应重新广播, 实际 %d", h.chain.sendCount)
	}
}

func TestExecuteInFlightWithoutSends(t *testing.T) {
	// A SENT row with no send records is corrupt state; the error must say so
	// rather than wrapping a nil error.
	h := newHarness(Options{})
	ctx := context.Background()

	if err := h.store.EnsureIntent(ctx, "intent-1", nil); err != nil {
		t.Fatal(err)
	}
	intent, _ := h.store.GetIntent(ctx, "intent-1")
	if err := h.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusSent); err != nil {
		t.Fatal(err)
	}

	_, err := h.orch.Execute(ctx, testRequest("intent-1"))
	if err == nil {
		t.Fatal("无广播记录的 in-flight intent 应报错")
	}
	if !strings.Contains(err.Error(), "no recorded sends") {
		t.Fatalf("错误信息应说明缺少广播记录, 实际 %v", err)
	}
	if strings.Contains(err.Error(), "%!w") {
		t.Fatalf("错误信息不应包裹 nil error, 实际 %v", err)
	}
}

func TestExecuteEmptyIntentKey(t *testing.T) {
	h := newHarness(Options{})
	if _, err := h.orch.Execute(context.Background(), Request{}); err == nil {
		t.Fatal("空 intent key 应报错")
	}
}

func TestExecuteStatusAlwaysTerminalOrInFlight(t *testing.T) {
	// Whatever path Execute takes, the persisted status must be a defined
	// machine state, never an invented one.
	for _, scenario := range []struct {
		name string
		prep func(h *harness)
	}{
		{"mined", func(h *harness) { h.chain.mineNext = true }},
		{"reverted", func(h *harness) { h.chain.mineNext = true; h.chain.revertNext = true }},
		{"timeout", func(h *harness) {}},
		{"build_failure", func(h *harness) { h.builder.err = fmt.Errorf("boom") }},
	} {
		h := newHarness(Options{MaxAttempts: 1})
		scenario.prep(h)
		_, _ = h.orch.Execute(context.Background(), testRequest("intent-1"))

		status := h.store.status("intent-1")
		switch status {
		case txstore.StatusMined, txstore.StatusFailed, txstore.StatusSent, txstore.StatusReplaced:
		default:
			t.Fatalf("%s: 结束状态非法: %s", scenario.name, status)
		}
	}
}
