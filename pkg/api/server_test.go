package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"premium/internal/engine"
	"premium/internal/store"
	"premium/internal/verifier"
)

// stubGateway answers every store call successfully
type stubGateway struct {
	handler func(store.PurchaseUpdate)
}

func (g *stubGateway) Connect(ctx context.Context) (*store.ConnectResult, error) {
	return &store.ConnectResult{ResponseCode: store.CodeOK}, nil
}

func (g *stubGateway) GetProducts(ctx context.Context, ids []string) (*store.ProductsResult, error) {
	products := make([]store.Product, 0, len(ids))
	for _, id := range ids {
		products = append(products, store.Product{ProductID: id, Title: id})
	}
	return &store.ProductsResult{ResponseCode: store.CodeOK, Results: products}, nil
}

func (g *stubGateway) Purchase(ctx context.Context, productID string) error {
	return nil
}

func (g *stubGateway) GetPurchaseHistory(ctx context.Context) (*store.HistoryResult, error) {
	return &store.HistoryResult{ResponseCode: store.CodeOK}, nil
}

func (g *stubGateway) SetListener(handler func(store.PurchaseUpdate)) (func(), error) {
	g.handler = handler
	return func() {}, nil
}

func (g *stubGateway) FinishTransaction(ctx context.Context, event store.PurchaseEvent, consumable bool) error {
	return nil
}

func (g *stubGateway) Disconnect() error {
	return nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, req verifier.Request) (*verifier.Response, error) {
	return &verifier.Response{Success: true}, nil
}

type stubReader struct {
	active bool
}

func (r stubReader) GetEntitlement(ctx context.Context, userID string) (bool, error) {
	return r.active, nil
}

func testFactory(t *testing.T) EngineFactory {
	t.Helper()
	return func(userID string, users engine.UserResolver) (*engine.Engine, error) {
		return engine.New(engine.Options{
			Platform:   "ios",
			ProductIDs: []string{"premium.monthly"},
		}, &stubGateway{}, stubVerifier{}, stubReader{}, users, nil), nil
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sessions := NewSessionManager(testFactory(t))
	s := NewServer("0", sessions, nil)
	t.Cleanup(sessions.CloseAll)
	return s
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestMountAndState(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, "POST", "/api/v1/sessions/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)

	rec = doRequest(s, "GET", "/api/v1/sessions/alice/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state struct {
		Data engine.Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, engine.Connected, state.Data.ConnectionStatus)
	assert.Len(t, state.Data.Products, 1)
	assert.False(t, state.Data.Loading)
}

func TestMountTwiceConflicts(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusOK, doRequest(s, "POST", "/api/v1/sessions/alice", nil).Code)
	assert.Equal(t, http.StatusConflict, doRequest(s, "POST", "/api/v1/sessions/alice", nil).Code)
}

func TestUnmountedSessionIs404(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, doRequest(s, "GET", "/api/v1/sessions/bob/state", nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(s, "POST", "/api/v1/sessions/bob/purchase", PurchaseRequest{ProductID: "premium.monthly"}).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(s, "DELETE", "/api/v1/sessions/bob", nil).Code)
}

func TestPurchaseFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, doRequest(s, "POST", "/api/v1/sessions/alice", nil).Code)

	rec := doRequest(s, "POST", "/api/v1/sessions/alice/purchase", PurchaseRequest{ProductID: "premium.monthly"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(s, "POST", "/api/v1/sessions/alice/purchase", PurchaseRequest{ProductID: "unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/v1/sessions/alice/purchase", PurchaseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, doRequest(s, "POST", "/api/v1/sessions/alice", nil).Code)

	rec := doRequest(s, "POST", "/api/v1/sessions/alice/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)
}

func TestUnmountClosesSession(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, doRequest(s, "POST", "/api/v1/sessions/alice", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(s, "DELETE", "/api/v1/sessions/alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(s, "GET", "/api/v1/sessions/alice/state", nil).Code)
}

func TestRecordsUnavailableWithoutAuditTrail(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(s, "GET", "/api/v1/records", nil).Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)
}

func TestSessionResolverFailsAfterUnmount(t *testing.T) {
	sessions := NewSessionManager(testFactory(t))

	var captured engine.UserResolver
	sessions.factory = func(userID string, users engine.UserResolver) (*engine.Engine, error) {
		captured = users
		return testFactory(t)(userID, users)
	}

	_, err := sessions.Mount(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, captured)

	id, err := captured.CurrentUserID()
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	require.NoError(t, sessions.Unmount("alice"))
	_, err = captured.CurrentUserID()
	assert.Error(t, err)
}
