package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"premium/internal/store"
	"premium/internal/verifier"
)

// fakeGateway records every call so tests can assert ordering and arity
type fakeGateway struct {
	mu sync.Mutex

	connectResult  *store.ConnectResult
	connectErr     error
	productsResult *store.ProductsResult
	productsErr    error
	purchaseErr    error
	historyResult  *store.HistoryResult
	historyErr     error
	finishErr      error

	handler       func(store.PurchaseUpdate)
	finished      []store.PurchaseEvent
	purchased     []string
	disconnects   int
	listenerGone  bool
	productsCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		connectResult:  &store.ConnectResult{ResponseCode: store.CodeOK},
		productsResult: &store.ProductsResult{ResponseCode: store.CodeOK, Results: []store.Product{{ProductID: "premium.monthly", Title: "Monthly"}}},
		historyResult:  &store.HistoryResult{ResponseCode: store.CodeOK},
	}
}

func (g *fakeGateway) Connect(ctx context.Context) (*store.ConnectResult, error) {
	return g.connectResult, g.connectErr
}

func (g *fakeGateway) GetProducts(ctx context.Context, ids []string) (*store.ProductsResult, error) {
	g.mu.Lock()
	g.productsCalls++
	g.mu.Unlock()
	return g.productsResult, g.productsErr
}

func (g *fakeGateway) Purchase(ctx context.Context, productID string) error {
	g.mu.Lock()
	g.purchased = append(g.purchased, productID)
	g.mu.Unlock()
	return g.purchaseErr
}

func (g *fakeGateway) GetPurchaseHistory(ctx context.Context) (*store.HistoryResult, error) {
	return g.historyResult, g.historyErr
}

func (g *fakeGateway) SetListener(handler func(store.PurchaseUpdate)) (func(), error) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.listenerGone = true
		g.mu.Unlock()
	}, nil
}

func (g *fakeGateway) FinishTransaction(ctx context.Context, event store.PurchaseEvent, consumable bool) error {
	g.mu.Lock()
	g.finished = append(g.finished, event)
	g.mu.Unlock()
	return g.finishErr
}

func (g *fakeGateway) Disconnect() error {
	g.mu.Lock()
	g.disconnects++
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) finishedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.finished))
	for _, ev := range g.finished {
		ids = append(ids, ev.TransactionID)
	}
	return ids
}

// fakeVerifier scripts verdicts per transaction id
type fakeVerifier struct {
	mu       sync.Mutex
	verdicts map[string]*verifier.Response
	err      error
	panics   bool
	calls    []verifier.Request
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{verdicts: make(map[string]*verifier.Response)}
}

func (v *fakeVerifier) Verify(ctx context.Context, req verifier.Request) (*verifier.Response, error) {
	v.mu.Lock()
	v.calls = append(v.calls, req)
	v.mu.Unlock()
	if v.panics {
		panic("verifier exploded")
	}
	if v.err != nil {
		return nil, v.err
	}
	if resp, ok := v.verdicts[req.TransactionID]; ok {
		return resp, nil
	}
	return &verifier.Response{Success: false, Error: "unknown transaction"}, nil
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// fakeReader is a scripted entitlement record
type fakeReader struct {
	active bool
	err    error
	reads  int
}

func (r *fakeReader) GetEntitlement(ctx context.Context, userID string) (bool, error) {
	r.reads++
	return r.active, r.err
}

type fakeUsers struct {
	id  string
	err error
}

func (u *fakeUsers) CurrentUserID() (string, error) {
	return u.id, u.err
}

type env struct {
	gateway  *fakeGateway
	verifier *fakeVerifier
	reader   *fakeReader
	users    *fakeUsers
	engine   *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	g := newFakeGateway()
	v := newFakeVerifier()
	r := &fakeReader{}
	u := &fakeUsers{id: "alice"}
	e := New(Options{
		Platform:            "ios",
		ProductIDs:          []string{"premium.monthly", "premium.yearly"},
		VerifyAttempts:      2,
		VerifyRetryInterval: time.Millisecond,
	}, g, v, r, u, nil)
	return &env{gateway: g, verifier: v, reader: r, users: u, engine: e}
}

func (te *env) mustInitialize(t *testing.T) {
	t.Helper()
	require.NoError(t, te.engine.Initialize(context.Background()))
	t.Cleanup(te.engine.Teardown)
}

func okUpdate(events ...store.PurchaseEvent) store.PurchaseUpdate {
	return store.PurchaseUpdate{ResponseCode: store.CodeOK, Results: events}
}

func TestInitializeHappyPath(t *testing.T) {
	te := newEnv(t)
	te.reader.active = true
	te.mustInitialize(t)

	snap := te.engine.Snapshot()
	assert.Equal(t, Connected, snap.ConnectionStatus)
	assert.Len(t, snap.Products, 1)
	assert.True(t, snap.IsEntitled)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, 1, te.reader.reads)
}

func TestInitializeUnsupportedPlatform(t *testing.T) {
	te := newEnv(t)
	te.engine.opts.Platform = "android"

	require.NoError(t, te.engine.Initialize(context.Background()))

	snap := te.engine.Snapshot()
	assert.Equal(t, Disconnected, snap.ConnectionStatus)
	assert.False(t, snap.IsEntitled)
	assert.False(t, snap.Loading)
	assert.NotEmpty(t, snap.LastError)
	// The store is never touched
	assert.Equal(t, 0, te.gateway.productsCalls)
}

func TestInitializeConnectFailure(t *testing.T) {
	te := newEnv(t)
	te.gateway.connectErr = errors.New("store unreachable")

	err := te.engine.Initialize(context.Background())
	require.Error(t, err)

	snap := te.engine.Snapshot()
	assert.Equal(t, Disconnected, snap.ConnectionStatus)
	assert.False(t, snap.Loading)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, 0, te.gateway.productsCalls)
}

func TestInitializeProductFetchFailure(t *testing.T) {
	te := newEnv(t)
	te.gateway.productsResult = &store.ProductsResult{ResponseCode: store.CodeServiceUnavailable}

	err := te.engine.Initialize(context.Background())
	require.Error(t, err)

	snap := te.engine.Snapshot()
	assert.Equal(t, Disconnected, snap.ConnectionStatus)
	assert.Empty(t, snap.Products)
	assert.False(t, snap.Loading)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, 1, te.gateway.disconnects)
}

func TestInitializeEntitlementReadFailureDegradesToFalse(t *testing.T) {
	te := newEnv(t)
	te.reader.err = errors.New("record store down")

	require.NoError(t, te.engine.Initialize(context.Background()))
	t.Cleanup(te.engine.Teardown)

	snap := te.engine.Snapshot()
	assert.Equal(t, Connected, snap.ConnectionStatus)
	assert.False(t, snap.IsEntitled)
	assert.False(t, snap.Loading)
}

func TestInitializeIsReentrant(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	require.NoError(t, te.engine.Initialize(context.Background()))
	assert.Equal(t, 1, te.gateway.productsCalls)
}

func TestVerifiedPurchaseGrantsEntitlementAndFinishes(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.verdicts["tx-1"] = &verifier.Response{Success: true}

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-1", Receipt: "receipt-data"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	snap := te.engine.Snapshot()
	assert.True(t, snap.IsEntitled)
	assert.Equal(t, []string{"tx-1"}, te.gateway.finishedIDs())

	phase, ok := te.engine.TransactionPhase("tx-1")
	require.True(t, ok)
	assert.Equal(t, PhaseFinished, phase)

	require.Len(t, te.verifier.calls, 1)
	assert.Equal(t, "alice", te.verifier.calls[0].UserID)
	assert.Equal(t, "receipt-data", te.verifier.calls[0].Receipt)
}

func TestRejectedPurchaseStillFinishesAndKeepsEntitlement(t *testing.T) {
	te := newEnv(t)
	te.reader.active = true
	te.mustInitialize(t)

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-2", Receipt: "bad"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	// Verification failure never revokes an existing entitlement
	snap := te.engine.Snapshot()
	assert.True(t, snap.IsEntitled)
	assert.Equal(t, []string{"tx-2"}, te.gateway.finishedIDs())

	phase, _ := te.engine.TransactionPhase("tx-2")
	assert.Equal(t, PhaseFinished, phase)
}

func TestEmptyReceiptSkipsVerifierButFinishes(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-3"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	assert.Equal(t, 0, te.verifier.callCount())
	assert.Equal(t, []string{"tx-3"}, te.gateway.finishedIDs())
	assert.False(t, te.engine.Snapshot().IsEntitled)
}

func TestUserCanceledIsSilentButFinished(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-4", Receipt: "r"}
	te.engine.handleUpdate(context.Background(), store.PurchaseUpdate{
		ResponseCode: store.CodeUserCanceled,
		Results:      []store.PurchaseEvent{event},
	})

	snap := te.engine.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.Equal(t, 0, te.verifier.callCount())
	assert.Equal(t, []string{"tx-4"}, te.gateway.finishedIDs())
}

func TestStoreErrorSetsLastErrorWithoutVerification(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)

	te.engine.handleUpdate(context.Background(), store.PurchaseUpdate{
		ResponseCode: store.CodeServiceUnavailable,
		Results:      []store.PurchaseEvent{{TransactionID: "tx-5", Receipt: "r"}},
	})

	snap := te.engine.Snapshot()
	assert.NotEmpty(t, snap.LastError)
	assert.False(t, snap.IsEntitled)
	assert.Equal(t, 0, te.verifier.callCount())
	// Events carrying a receipt are still acknowledged
	assert.Equal(t, []string{"tx-5"}, te.gateway.finishedIDs())
}

func TestStaleSessionFailsVerification(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.users.id = ""
	te.users.err = errors.New("session closed")

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-6", Receipt: "r"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	assert.Equal(t, 0, te.verifier.callCount())
	assert.False(t, te.engine.Snapshot().IsEntitled)
	assert.Equal(t, []string{"tx-6"}, te.gateway.finishedIDs())
}

func TestVerifierTransportErrorIsRetried(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.err = errors.New("connection refused")

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-7", Receipt: "r"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	assert.Equal(t, 2, te.verifier.callCount())
	snap := te.engine.Snapshot()
	assert.False(t, snap.IsEntitled)
	assert.Equal(t, []string{"tx-7"}, te.gateway.finishedIDs())

	var logged bool
	for _, line := range snap.Diagnostics {
		if strings.Contains(line, "tx-7") && strings.Contains(line, "failed") {
			logged = true
		}
	}
	assert.True(t, logged, "verification failure should appear in diagnostics")
}

func TestPanicInVerifierDoesNotEscapeListenerPath(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.panics = true

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-8", Receipt: "r"}
	assert.NotPanics(t, func() {
		te.engine.handleUpdate(context.Background(), okUpdate(event))
	})

	// A later update is still processed
	te.verifier.panics = false
	te.verifier.verdicts["tx-9"] = &verifier.Response{Success: true}
	te.engine.handleUpdate(context.Background(), okUpdate(store.PurchaseEvent{
		ProductID: "premium.monthly", TransactionID: "tx-9", Receipt: "r",
	}))
	assert.True(t, te.engine.Snapshot().IsEntitled)
}

func TestPurchaseRequiresConnection(t *testing.T) {
	te := newEnv(t)

	err := te.engine.Purchase(context.Background(), "premium.monthly")
	require.Error(t, err)
	assert.Empty(t, te.gateway.purchased)
	assert.NotEmpty(t, te.engine.Snapshot().LastError)
}

func TestPurchaseRejectsUnknownProduct(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)

	err := te.engine.Purchase(context.Background(), "premium.lifetime")
	require.Error(t, err)
	assert.Empty(t, te.gateway.purchased)
}

func TestPurchaseStartsStoreFlow(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)

	require.NoError(t, te.engine.Purchase(context.Background(), "premium.yearly"))
	assert.Equal(t, []string{"premium.yearly"}, te.gateway.purchased)
	// Loading clears once the flow is handed to the store
	assert.False(t, te.engine.Snapshot().Loading)
}

func TestRestoreReplaysHistoryInOrder(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.verdicts["tx-a"] = &verifier.Response{Success: true}
	te.verifier.verdicts["tx-b"] = &verifier.Response{Success: true}
	te.gateway.historyResult = &store.HistoryResult{
		ResponseCode: store.CodeOK,
		Results: []store.PurchaseEvent{
			{ProductID: "premium.monthly", TransactionID: "tx-a", Receipt: "r1"},
			{ProductID: "premium.yearly", TransactionID: "tx-b", Receipt: "r2"},
		},
	}
	te.reader.active = true

	require.NoError(t, te.engine.Restore(context.Background()))

	assert.Equal(t, []string{"tx-a", "tx-b"}, te.gateway.finishedIDs())
	assert.True(t, te.engine.Snapshot().IsEntitled)
}

func TestRedeliveredTransactionIsIdempotent(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.verdicts["tx-dup"] = &verifier.Response{Success: true}

	event := store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-dup", Receipt: "r"}
	te.engine.handleUpdate(context.Background(), okUpdate(event))
	te.engine.handleUpdate(context.Background(), okUpdate(event))

	// The redelivered event runs the full sequence again and lands in the
	// same terminal state
	assert.True(t, te.engine.Snapshot().IsEntitled)
	assert.Equal(t, []string{"tx-dup", "tx-dup"}, te.gateway.finishedIDs())
	phase, _ := te.engine.TransactionPhase("tx-dup")
	assert.Equal(t, PhaseFinished, phase)
}

func TestRestoreEmptyHistoryIsReadThrough(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	require.False(t, te.engine.Snapshot().IsEntitled)

	te.gateway.historyResult = &store.HistoryResult{ResponseCode: store.CodeOK}
	te.reader.active = true

	require.NoError(t, te.engine.Restore(context.Background()))
	assert.True(t, te.engine.Snapshot().IsEntitled)
	assert.Equal(t, 0, te.verifier.callCount())
}

func TestRestoreReadThroughOverwritesToFalse(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.verdicts["tx-c"] = &verifier.Response{Success: true}
	te.gateway.historyResult = &store.HistoryResult{
		ResponseCode: store.CodeOK,
		Results:      []store.PurchaseEvent{{ProductID: "premium.monthly", TransactionID: "tx-c", Receipt: "r"}},
	}
	// The record of truth says the subscription lapsed
	te.reader.active = false

	require.NoError(t, te.engine.Restore(context.Background()))
	assert.False(t, te.engine.Snapshot().IsEntitled)
}

func TestRestoreReadFailureKeepsEntitlement(t *testing.T) {
	te := newEnv(t)
	te.reader.active = true
	te.mustInitialize(t)
	require.True(t, te.engine.Snapshot().IsEntitled)

	te.reader.err = errors.New("record store down")
	te.gateway.historyResult = &store.HistoryResult{ResponseCode: store.CodeOK}

	require.NoError(t, te.engine.Restore(context.Background()))
	// A failed read proves nothing; the flag is left alone
	assert.True(t, te.engine.Snapshot().IsEntitled)
}

func TestRestoreHistoryFailureStillReadsRecord(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.gateway.historyErr = errors.New("history unavailable")
	te.reader.active = true

	require.NoError(t, te.engine.Restore(context.Background()))
	assert.True(t, te.engine.Snapshot().IsEntitled)
	assert.Empty(t, te.gateway.finishedIDs())
}

func TestRestoreRequiresConnection(t *testing.T) {
	te := newEnv(t)
	err := te.engine.Restore(context.Background())
	require.Error(t, err)
}

func TestTeardownStopsStateMutation(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	handler := te.gateway.handler
	require.NotNil(t, handler)

	te.engine.Teardown()
	assert.True(t, te.gateway.listenerGone)
	assert.Equal(t, Disconnected, te.engine.Snapshot().ConnectionStatus)

	// Late deliveries after unmount are dropped without mutating state
	te.verifier.verdicts["tx-late"] = &verifier.Response{Success: true}
	handler(okUpdate(store.PurchaseEvent{ProductID: "premium.monthly", TransactionID: "tx-late", Receipt: "r"}))
	time.Sleep(20 * time.Millisecond)

	assert.False(t, te.engine.Snapshot().IsEntitled)
	assert.Equal(t, 0, te.verifier.callCount())

	// Error surfacing stops too: the torn-down snapshot stays frozen
	lastError := te.engine.Snapshot().LastError
	_ = te.engine.Purchase(context.Background(), "premium.monthly")
	assert.Equal(t, lastError, te.engine.Snapshot().LastError)
}

func TestPreconditionErrorsSurfaceBeforeMount(t *testing.T) {
	te := newEnv(t)

	// No Initialize: the engine has never been mounted, yet precondition
	// failures must still be observable in the snapshot
	err := te.engine.Purchase(context.Background(), "premium.monthly")
	require.Error(t, err)
	assert.NotEmpty(t, te.engine.Snapshot().LastError)

	err = te.engine.Restore(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, te.engine.Snapshot().LastError)
}

func TestListenerDeliveryFlowsThroughChannel(t *testing.T) {
	te := newEnv(t)
	te.mustInitialize(t)
	te.verifier.verdicts["tx-chan"] = &verifier.Response{Success: true}

	te.gateway.handler(okUpdate(store.PurchaseEvent{
		ProductID: "premium.monthly", TransactionID: "tx-chan", Receipt: "r",
	}))

	require.Eventually(t, func() bool {
		phase, ok := te.engine.TransactionPhase("tx-chan")
		return ok && phase == PhaseFinished
	}, time.Second, 5*time.Millisecond)
	assert.True(t, te.engine.Snapshot().IsEntitled)
}
