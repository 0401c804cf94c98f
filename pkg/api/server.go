package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"premium/internal/history"
)

// Server represents the HTTP server
type Server struct {
	router        *mux.Router
	port          string
	sessions      *SessionManager
	historyModule *history.HistoryModule

	httpServer *http.Server
}

// NewServer creates a new server instance. The history module may be nil
// when the audit trail is disabled.
func NewServer(port string, sessions *SessionManager, historyModule *history.HistoryModule) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		port:          port,
		sessions:      sessions,
		historyModule: historyModule,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// API version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Session lifecycle
	api.HandleFunc("/sessions/{user}", s.mountSession).Methods("POST")
	api.HandleFunc("/sessions/{user}", s.unmountSession).Methods("DELETE")

	// Engine state snapshot for the UI layer
	api.HandleFunc("/sessions/{user}/state", s.getState).Methods("GET")

	// Purchase flow
	api.HandleFunc("/sessions/{user}/purchase", s.startPurchase).Methods("POST")

	// Restore flow
	api.HandleFunc("/sessions/{user}/restore", s.restorePurchases).Methods("POST")

	// Diagnostics log for support surfaces
	api.HandleFunc("/sessions/{user}/diagnostics", s.getDiagnostics).Methods("GET")

	// Audit trail queries
	api.HandleFunc("/records", s.queryRecords).Methods("GET")

	// Health endpoint
	api.HandleFunc("/health", s.healthCheck).Methods("GET")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting server on port %s", s.port)
	s.httpServer = &http.Server{
		Addr:    ":" + s.port,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Close gracefully closes the server and its resources
func (s *Server) Close() error {
	log.Println("Closing server resources")

	s.sessions.CloseAll()

	if s.historyModule != nil {
		if err := s.historyModule.Close(); err != nil {
			log.Printf("Error closing history module: %v", err)
			return err
		}
	}
	return nil
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// sendResponse sends a JSON response
func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{
		Success: success,
		Message: message,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) mountSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	eng, err := s.sessions.Mount(r.Context(), userID)
	if err != nil {
		s.sendResponse(w, http.StatusConflict, false, err.Error(), nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "session mounted", eng.Snapshot())
}

func (s *Server) unmountSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	if err := s.sessions.Unmount(userID); err != nil {
		s.sendResponse(w, http.StatusNotFound, false, err.Error(), nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "session unmounted", nil)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	eng, ok := s.sessions.Get(userID)
	if !ok {
		s.sendResponse(w, http.StatusNotFound, false, "session not mounted", nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "", eng.Snapshot())
}

// PurchaseRequest represents the request body for starting a purchase
type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

func (s *Server) startPurchase(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	eng, ok := s.sessions.Get(userID)
	if !ok {
		s.sendResponse(w, http.StatusNotFound, false, "session not mounted", nil)
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResponse(w, http.StatusBadRequest, false, "invalid request body", nil)
		return
	}
	if req.ProductID == "" {
		s.sendResponse(w, http.StatusBadRequest, false, "product_id is required", nil)
		return
	}

	if err := eng.Purchase(r.Context(), req.ProductID); err != nil {
		s.sendResponse(w, http.StatusBadRequest, false, err.Error(), nil)
		return
	}

	// The outcome arrives asynchronously through the purchase listener;
	// clients poll the state endpoint
	s.sendResponse(w, http.StatusAccepted, true, "purchase started", nil)
}

func (s *Server) restorePurchases(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	eng, ok := s.sessions.Get(userID)
	if !ok {
		s.sendResponse(w, http.StatusNotFound, false, "session not mounted", nil)
		return
	}

	if err := eng.Restore(r.Context()); err != nil {
		s.sendResponse(w, http.StatusBadRequest, false, err.Error(), nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "restore completed", eng.Snapshot())
}

func (s *Server) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]

	eng, ok := s.sessions.Get(userID)
	if !ok {
		s.sendResponse(w, http.StatusNotFound, false, "session not mounted", nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "", eng.Snapshot().Diagnostics)
}

func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	if s.historyModule == nil {
		s.sendResponse(w, http.StatusServiceUnavailable, false, "audit trail is disabled", nil)
		return
	}

	condition := &history.QueryCondition{
		Type:          history.RecordType(r.URL.Query().Get("type")),
		ProductID:     r.URL.Query().Get("product_id"),
		TransactionID: r.URL.Query().Get("transaction_id"),
		Account:       r.URL.Query().Get("account"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			condition.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			condition.Offset = n
		}
	}

	records, err := s.historyModule.QueryRecords(condition)
	if err != nil {
		log.Printf("Failed to query audit records: %v", err)
		s.sendResponse(w, http.StatusInternalServerError, false, "failed to query records", nil)
		return
	}

	total, err := s.historyModule.GetRecordCount(condition)
	if err != nil {
		log.Printf("Failed to count audit records: %v", err)
		s.sendResponse(w, http.StatusInternalServerError, false, "failed to count records", nil)
		return
	}

	s.sendResponse(w, http.StatusOK, true, "", map[string]interface{}{
		"records": records,
		"total":   total,
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	}

	if s.historyModule != nil {
		if err := s.historyModule.HealthCheck(); err != nil {
			health["status"] = "degraded"
			health["audit"] = err.Error()
			s.sendResponse(w, http.StatusServiceUnavailable, false, "audit trail unhealthy", health)
			return
		}
		health["audit"] = "ok"
	}

	s.sendResponse(w, http.StatusOK, true, "", health)
}
