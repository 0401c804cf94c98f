package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/thoas/go-funk"

	"premium/internal/history"
	"premium/internal/store"
	"premium/internal/verifier"
)

// Initialize runs the once-per-mount startup sequence. Re-entrant calls
// before completion are no-ops. Each step short-circuits to a terminal error
// state on failure; entitlement read failures degrade to isEntitled=false
// instead of failing the mount.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initializing || e.initialized {
		e.mu.Unlock()
		log.Printf("Initialize: already initializing or initialized, skipping")
		return nil
	}
	e.initializing = true
	e.mounted = true
	e.loading = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.initializing = false
		e.mu.Unlock()
	}()

	// 1) Platform precondition. Unsupported platforms terminate immediately
	// with a non-fatal error and a conservatively false entitlement.
	if e.opts.Platform != SupportedPlatform {
		e.diag.Logf("initialize: unsupported platform %q, engine idle", e.opts.Platform)
		e.mu.Lock()
		e.lastError = "in-app purchases are not supported on this platform"
		e.isEntitled = false
		e.loading = false
		e.mu.Unlock()
		return nil
	}

	// 2) Store connection handshake
	res, err := e.gateway.Connect(ctx)
	if err != nil || res == nil || !res.ResponseCode.IsOK() {
		msg := "failed to connect to the purchase store"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		} else if res != nil {
			msg = fmt.Sprintf("%s: %s", msg, res.ResponseCode)
		}
		e.diag.Logf("initialize: %s", msg)
		e.mu.Lock()
		e.lastError = msg
		e.loading = false
		e.mu.Unlock()
		return errors.New(msg)
	}

	e.mu.Lock()
	e.status = Connected
	e.mu.Unlock()
	e.diag.Logf("initialize: store connected")

	// 3) Product discovery for the fixed, known identifier set
	products, err := e.gateway.GetProducts(ctx, e.opts.ProductIDs)
	if err != nil || products == nil || !products.ResponseCode.IsOK() {
		msg := "failed to fetch products"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		} else if products != nil {
			msg = fmt.Sprintf("%s: %s", msg, products.ResponseCode)
		}
		e.diag.Logf("initialize: %s", msg)
		e.mu.Lock()
		e.lastError = msg
		e.status = Disconnected
		e.products = make([]store.Product, 0)
		e.loading = false
		e.mu.Unlock()
		if derr := e.gateway.Disconnect(); derr != nil {
			e.diag.Logf("initialize: disconnect after product failure: %v", derr)
		}
		return errors.New(msg)
	}

	if len(products.Results) == 0 {
		// Non-fatal: engine stays usable for restore
		e.diag.Logf("initialize: store returned no products for %v", e.opts.ProductIDs)
	}
	e.mu.Lock()
	e.products = products.Results
	e.mu.Unlock()

	// 4) Purchase update listener; registration is fire-and-forget
	remove, err := e.gateway.SetListener(e.onPurchaseUpdate)
	if err != nil {
		// Contract says registration cannot fail; log it if an adapter
		// disagrees and keep going
		e.diag.Logf("initialize: listener registration: %v", err)
	}
	e.mu.Lock()
	e.removeListener = remove
	e.mu.Unlock()
	go e.processLoop()

	// 5) Authoritative entitlement read; failures degrade to false, never
	// spuriously true
	e.refreshEntitlement(ctx, true)

	// 6) Done
	e.mu.Lock()
	e.loading = false
	e.initialized = true
	e.mu.Unlock()
	e.diag.Logf("initialize: complete, %d products", len(products.Results))
	return nil
}

// Teardown unregisters the listener and disconnects the store. Any
// verification already in flight completes and its result is discarded.
func (e *Engine) Teardown() {
	e.mu.Lock()
	e.mounted = false
	e.tornDown = true
	remove := e.removeListener
	e.removeListener = nil
	e.status = Disconnected
	e.mu.Unlock()

	if remove != nil {
		remove()
	}

	e.closeOnce.Do(func() {
		close(e.done)
	})

	if err := e.gateway.Disconnect(); err != nil {
		// Disconnection failures are logged, not surfaced
		e.diag.Logf("teardown: disconnect: %v", err)
	}
	e.diag.Logf("teardown: engine unmounted")
}

// onPurchaseUpdate is the store listener callback. It only enqueues; the
// processing loop owns all state transitions.
func (e *Engine) onPurchaseUpdate(update store.PurchaseUpdate) {
	e.mu.RLock()
	mounted := e.mounted
	e.mu.RUnlock()
	if !mounted {
		log.Printf("Dropping purchase update delivered after teardown")
		return
	}

	select {
	case e.events <- update:
	case <-e.done:
	}
}

// processLoop drains the event channel sequentially for the engine lifetime
func (e *Engine) processLoop() {
	for {
		select {
		case update := <-e.events:
			e.handleUpdate(context.Background(), update)
		case <-e.done:
			return
		}
	}
}

// handleUpdate advances the state machine for one purchase update. No
// failure may escape this path: an unhandled panic in a store callback can
// deadlock future delivery.
func (e *Engine) handleUpdate(ctx context.Context, update store.PurchaseUpdate) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered panic while handling purchase update: %v", r)
			e.diag.Logf("purchase update handling panicked: %v", r)
		}
	}()

	switch {
	case update.ResponseCode == store.CodeUserCanceled:
		// Not an error; still finish each event to avoid leaving it dangling
		e.diag.Logf("purchase canceled by user")
		for _, event := range update.Results {
			e.finishTransaction(ctx, event)
			e.record(history.TypePurchaseCanceled, "purchase canceled by user", event)
		}

	case !update.ResponseCode.IsOK():
		// Non-fatal user-visible error; entitlement is untouched. Events
		// that carry a receipt are still finished.
		msg := fmt.Sprintf("purchase failed: %s", update.ResponseCode)
		e.diag.Logf("%s", msg)
		e.setLastError(msg)
		for _, event := range update.Results {
			if event.Receipt != "" {
				e.finishTransaction(ctx, event)
			}
		}

	default:
		for _, event := range update.Results {
			e.processPurchase(ctx, event)
		}
	}
}

// processPurchase runs the self-contained verify-then-finish sequence for one
// purchase event. Finish always runs, regardless of verification outcome, so
// the store cannot redeliver the transaction forever. The sequence is
// idempotent under redelivery.
func (e *Engine) processPurchase(ctx context.Context, event store.PurchaseEvent) bool {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.setPhase(event.TransactionID, PhaseReceived)
	e.record(history.TypePurchaseReceived, "purchase event received", event)

	verified := false

	if event.Receipt == "" {
		// No receipt means no verify round-trip; straight to finish
		e.diag.Logf("transaction %s has no receipt, verification failed", event.TransactionID)
		e.record(history.TypeVerifyFailed, "purchase event carried no receipt", event)
		e.setPhase(event.TransactionID, PhaseRejected)
	} else {
		e.setPhase(event.TransactionID, PhaseVerifying)

		// Resolve the authenticated user fresh: a stale session must fail
		// verification, not silently attribute the purchase to nobody
		userID, err := e.users.CurrentUserID()
		if err != nil {
			e.diag.Logf("transaction %s verification failed: no authenticated user: %v", event.TransactionID, err)
			e.record(history.TypeVerifyFailed, fmt.Sprintf("no authenticated user: %v", err), event)
			e.setPhase(event.TransactionID, PhaseRejected)
		} else {
			resp, err := e.verifyWithRetry(ctx, verifier.Request{
				Receipt:       event.Receipt,
				ProductID:     event.ProductID,
				TransactionID: event.TransactionID,
				UserID:        userID,
			})

			if err == nil && resp != nil && resp.Success {
				verified = true
				e.setPhase(event.TransactionID, PhaseVerified)
				e.diag.Logf("transaction %s verified for user %s", event.TransactionID, userID)
				e.record(history.TypeVerifySucceeded, "receipt verified", event)

				// The one path where entitlement is set from a verdict
				// rather than a record read, gated by the positive verdict
				e.mu.Lock()
				if e.mounted {
					e.isEntitled = true
				}
				e.mu.Unlock()
			} else {
				// A verification failure does not prove the absence of a
				// prior valid entitlement; leave the flag unchanged
				reason := "missing success flag"
				if err != nil {
					reason = err.Error()
				} else if resp != nil && resp.Error != "" {
					reason = resp.Error
				}
				e.diag.Logf("transaction %s verification failed: %s", event.TransactionID, reason)
				e.record(history.TypeVerifyFailed, reason, event)
				e.setPhase(event.TransactionID, PhaseRejected)
			}
		}
	}

	e.finishTransaction(ctx, event)
	return verified
}

// verifyWithRetry retries the verifier on transport errors only; a decoded
// backend rejection is final
func (e *Engine) verifyWithRetry(ctx context.Context, req verifier.Request) (*verifier.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.VerifyAttempts; attempt++ {
		resp, err := e.verifier.Verify(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Printf("Verification attempt %d/%d for transaction %s failed: %v",
			attempt, e.opts.VerifyAttempts, req.TransactionID, err)
		if attempt < e.opts.VerifyAttempts {
			select {
			case <-time.After(e.opts.VerifyRetryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// finishTransaction acknowledges the event to the store. Failures are logged
// only: finishing is best-effort and must never block the purchase flow.
func (e *Engine) finishTransaction(ctx context.Context, event store.PurchaseEvent) {
	// Subscription entitlements are never consumed
	if err := e.gateway.FinishTransaction(ctx, event, false); err != nil {
		e.diag.Logf("finish transaction %s: %v", event.TransactionID, err)
		e.record(history.TypeFinishFailed, err.Error(), event)
	}
	e.setPhase(event.TransactionID, PhaseFinished)
}

// Purchase initiates a purchase flow for productID. The asynchronous
// listener is the sole path that advances state afterwards; this call only
// starts the platform purchase UI flow.
func (e *Engine) Purchase(ctx context.Context, productID string) error {
	e.mu.RLock()
	connected := e.status == Connected
	e.mu.RUnlock()
	if !connected {
		msg := "cannot purchase: store is not connected"
		e.setLastError(msg)
		e.diag.Logf("%s", msg)
		return errors.New(msg)
	}

	if !funk.ContainsString(e.opts.ProductIDs, productID) {
		msg := fmt.Sprintf("cannot purchase: unknown product %q", productID)
		e.setLastError(msg)
		e.diag.Logf("%s", msg)
		return errors.New(msg)
	}

	e.setLoading(true)
	defer e.setLoading(false)

	if err := e.gateway.Purchase(ctx, productID); err != nil {
		e.diag.Logf("purchase initiation for %s: %v", productID, err)
		return err
	}
	e.diag.Logf("purchase initiated for %s", productID)
	return nil
}

// Restore replays purchase history through the verify-then-finish sequence,
// strictly in order, then re-reads the authoritative record. Restore is the
// one reconciliation point where a plain read is trusted to overwrite the
// entitlement flag.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.RLock()
	connected := e.status == Connected
	e.mu.RUnlock()
	if !connected {
		msg := "cannot restore: store is not connected"
		e.setLastError(msg)
		e.diag.Logf("%s", msg)
		return errors.New(msg)
	}

	e.setLoading(true)
	defer e.setLoading(false)

	e.diag.Logf("restore: replaying purchase history")

	res, err := e.gateway.GetPurchaseHistory(ctx)
	switch {
	case err != nil:
		// Graceful degradation: fall through to the authoritative read
		e.diag.Logf("restore: history fetch failed: %v", err)
	case res == nil || !res.ResponseCode.IsOK():
		code := store.CodeError
		if res != nil {
			code = res.ResponseCode
		}
		e.diag.Logf("restore: history fetch rejected: %s", code)
	case len(res.Results) == 0:
		e.diag.Logf("restore: no purchase history")
	default:
		// Sequential on purpose: verification calls stay attributable and
		// the diagnostics log stays ordered
		for _, event := range res.Results {
			e.processPurchase(ctx, event)
		}
	}

	e.refreshEntitlement(ctx, false)

	if e.recorder != nil {
		e.record(history.TypeRestoreRun, "restore completed", store.PurchaseEvent{})
	}
	e.diag.Logf("restore: complete")
	return nil
}

// refreshEntitlement converges the local flag with the authoritative record.
// When fallbackFalse is set (initialization), a read failure degrades to
// false; otherwise (restore) the current value is kept, since a failed read
// proves nothing about an existing entitlement.
func (e *Engine) refreshEntitlement(ctx context.Context, fallbackFalse bool) {
	userID, err := e.users.CurrentUserID()
	if err == nil {
		var active bool
		active, err = e.entitlements.GetEntitlement(ctx, userID)
		if err == nil {
			e.mu.Lock()
			if e.mounted {
				e.isEntitled = active
			}
			e.mu.Unlock()
			e.diag.Logf("entitlement record read: active=%t", active)
			return
		}
	}

	e.diag.Logf("entitlement record read failed: %v", err)
	if fallbackFalse {
		e.mu.Lock()
		if e.mounted {
			e.isEntitled = false
		}
		e.mu.Unlock()
	}
}

// Snapshot returns the read-only state exposed to the UI layer
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	products := make([]store.Product, len(e.products))
	copy(products, e.products)

	return Snapshot{
		ConnectionStatus: e.status,
		Products:         products,
		IsEntitled:       e.isEntitled,
		Loading:          e.loading,
		LastError:        e.lastError,
		Diagnostics:      e.diag.Entries(),
	}
}

// TransactionPhase reports the last observed phase for a transaction id
func (e *Engine) TransactionPhase(transactionID string) (TransactionPhase, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	phase, ok := e.phases[transactionID]
	return phase, ok
}

func (e *Engine) setPhase(transactionID string, phase TransactionPhase) {
	if transactionID == "" {
		return
	}
	e.mu.Lock()
	e.phases[transactionID] = phase
	e.mu.Unlock()
}

// setLastError surfaces a user-visible error. Errors raised before the first
// mount (precondition failures) are surfaced too; only a torn-down engine
// stops accepting state writes.
func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	if !e.tornDown {
		e.lastError = msg
	}
	e.mu.Unlock()
}

func (e *Engine) setLoading(loading bool) {
	e.mu.Lock()
	e.loading = loading
	e.mu.Unlock()
}

// record writes an audit entry when a recorder is wired; audit failures are
// logged and swallowed
func (e *Engine) record(recordType history.RecordType, message string, event store.PurchaseEvent) {
	if e.recorder == nil {
		return
	}

	account := "unknown"
	if userID, err := e.users.CurrentUserID(); err == nil {
		account = userID
	}

	rec := &history.PurchaseRecord{
		Type:          recordType,
		Message:       message,
		Time:          time.Now().Unix(),
		ProductID:     event.ProductID,
		TransactionID: event.TransactionID,
		Account:       account,
	}
	if err := e.recorder.StoreRecord(rec); err != nil {
		log.Printf("Failed to store audit record (%s): %v", recordType, err)
	}
}
