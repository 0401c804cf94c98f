package engine

import (
	"context"
	"sync"
	"time"

	"premium/internal/diagnostics"
	"premium/internal/entitlement"
	"premium/internal/history"
	"premium/internal/store"
	"premium/internal/verifier"
)

// SupportedPlatform is the only platform this engine talks to; other
// platforms terminate initialization with a non-fatal error.
const SupportedPlatform = "ios"

// ConnectionStatus (dimension 1): store connection state
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connected    ConnectionStatus = "connected"
)

// TransactionPhase (dimension 2): per-transaction progress. No transaction
// may skip the finished phase.
type TransactionPhase string

const (
	PhaseReceived  TransactionPhase = "received"
	PhaseVerifying TransactionPhase = "verifying"
	PhaseVerified  TransactionPhase = "verified"
	PhaseRejected  TransactionPhase = "rejected"
	PhaseFinished  TransactionPhase = "finished"
)

// Verifier is the receipt verification dependency
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Response, error)
}

// UserResolver resolves the authenticated user id. It is consulted fresh at
// verification time: a stale or closed session must fail verification rather
// than attribute the purchase to nobody.
type UserResolver interface {
	CurrentUserID() (string, error)
}

// Recorder persists audit records; optional
type Recorder interface {
	StoreRecord(record *history.PurchaseRecord) error
}

// Snapshot is the read-only view exposed to the UI layer
type Snapshot struct {
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	Products         []store.Product  `json:"products"`
	IsEntitled       bool             `json:"is_entitled"`
	Loading          bool             `json:"loading"`
	LastError        string           `json:"last_error,omitempty"`
	Diagnostics      []string         `json:"diagnostics"`
}

// Options configures one engine instance
type Options struct {
	Platform   string
	ProductIDs []string

	// Retry policy around the verifier; transport errors only
	VerifyAttempts      int
	VerifyRetryInterval time.Duration
}

// Engine owns the purchase state machine for one mounted session: the
// initialization sequence, event-driven verification, idempotent transaction
// finishing and convergence of the local entitlement flag with the
// authoritative record.
type Engine struct {
	opts Options

	gateway      store.Gateway
	verifier     Verifier
	entitlements entitlement.Reader
	users        UserResolver
	recorder     Recorder
	diag         *diagnostics.Sink

	mu           sync.RWMutex
	status       ConnectionStatus
	products     []store.Product
	isEntitled   bool
	loading      bool
	lastError    string
	mounted      bool
	tornDown     bool
	initializing bool
	initialized  bool
	phases       map[string]TransactionPhase

	// procMu serializes every verify+finish sequence: listener deliveries
	// and restore() share one sequential processing path
	procMu sync.Mutex

	events         chan store.PurchaseUpdate
	removeListener func()
	done           chan struct{}
	closeOnce      sync.Once
}

// New creates an engine for one mounted session. The recorder may be nil.
func New(opts Options, gateway store.Gateway, v Verifier, reader entitlement.Reader, users UserResolver, recorder Recorder) *Engine {
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = 2
	}
	if opts.VerifyRetryInterval <= 0 {
		opts.VerifyRetryInterval = 2 * time.Second
	}

	return &Engine{
		opts:         opts,
		gateway:      gateway,
		verifier:     v,
		entitlements: reader,
		users:        users,
		recorder:     recorder,
		diag:         diagnostics.NewSink(0),
		status:       Disconnected,
		products:     make([]store.Product, 0),
		phases:       make(map[string]TransactionPhase),
		events:       make(chan store.PurchaseUpdate, 16),
		done:         make(chan struct{}),
	}
}
