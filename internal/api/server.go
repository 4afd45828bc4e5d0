package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"cidrotate/internal/allocator"
	"cidrotate/internal/auth"
	"cidrotate/internal/config"
	"cidrotate/internal/database"
	"cidrotate/internal/phone"
	"cidrotate/internal/websocket"
)

// Engine is the allocation surface the server fronts.
type Engine interface {
	Allocate(ctx context.Context, req allocator.Request) (*allocator.Allocation, error)
	Release(ctx context.Context, number string) (bool, error)
	LookupReservation(ctx context.Context, number string) (*allocator.Reservation, error)
}

// Catalog is the admin surface over the caller-ID pool.
type Catalog interface {
	CreateCallerID(ctx context.Context, c *database.CallerID) error
	ListCallerIDs(ctx context.Context) ([]database.CallerID, error)
	SetActive(ctx context.Context, number string, active bool) error
	DeleteCallerID(ctx context.Context, number string) error
	Stats(ctx context.Context) (*database.PoolStats, error)
	RecentAllocations(ctx context.Context, limit int) ([]database.AllocationRecord, error)
}

// Server is the REST API server.
type Server struct {
	config  *config.Config
	engine  Engine
	catalog Catalog
	authn   *auth.Authenticator
	hub     *websocket.Hub
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, engine Engine, catalog Catalog, authn *auth.Authenticator, hub *websocket.Hub) *Server {
	return &Server{
		config:  cfg,
		engine:  engine,
		catalog: catalog,
		authn:   authn,
		hub:     hub,
	}
}

// Start runs the HTTP server. Blocks until the listener fails.
func (s *Server) Start() error {
	addr := s.config.API.Address()
	log.Printf("[API] Starting server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler builds the full routing tree. Split out of Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints. The dialer hits /next-cid on every outbound call;
	// it authenticates by network placement, not by token.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/next-cid", s.handleNextCID)
	mux.HandleFunc("/api/v1/release", s.handleRelease)
	mux.HandleFunc("/api/v1/reservation/", s.handleReservation)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	// Protected admin routes.
	protectedMux := http.NewServeMux()
	protectedMux.HandleFunc("/api/v1/numbers", s.handleNumbers)
	protectedMux.HandleFunc("/api/v1/numbers/deactivate", s.handleNumberDeactivate)
	protectedMux.HandleFunc("/api/v1/numbers/delete", s.handleNumberDelete)
	protectedMux.HandleFunc("/api/v1/stats", s.handleStats)
	protectedMux.HandleFunc("/api/v1/allocations", s.handleAllocations)

	publicPaths := map[string]bool{
		"/health":         true,
		"/api/v1/login":   true,
		"/next-cid":       true,
		"/api/v1/release": true,
		"/ws":             true,
	}

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/api/v1/reservation/") ||
			!strings.HasPrefix(r.URL.Path, "/api/v1/") {
			mux.ServeHTTP(w, r)
			return
		}
		s.authn.Middleware(protectedMux).ServeHTTP(w, r)
	})

	return s.corsMiddleware(mainHandler)
}

// corsMiddleware adds CORS headers when enabled and recovers panics.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] PANIC RECOVERED: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "Internal Server Error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAllocationError maps the engine's failure kinds onto HTTP statuses.
func writeAllocationError(w http.ResponseWriter, err error) {
	var ae *allocator.Error
	if !errors.As(err, &ae) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false, "error": err.Error(),
		})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Kind {
	case allocator.KindInvalidInput, allocator.KindInvalidDestination:
		status = http.StatusBadRequest
	case allocator.KindRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	case allocator.KindNoneAvailable:
		status = http.StatusNotFound
	case allocator.KindUnavailable:
		status = http.StatusServiceUnavailable
	case allocator.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   ae.Message,
		"kind":    string(ae.Kind),
	})
}

// handleNextCID is the hot path: one GET per outbound call.
func (s *Server) handleNextCID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := allocator.Request{
		Destination: q.Get("to"),
		Campaign:    q.Get("campaign"),
		Agent:       q.Get("agent"),
	}
	requestID := uuid.NewString()

	alloc, err := s.engine.Allocate(r.Context(), req)
	if err != nil {
		if allocator.IsKind(err, allocator.KindNoneAvailable) && s.hub != nil {
			s.hub.Broadcast(websocket.EventNoneAvailable, map[string]string{
				"campaign": req.Campaign, "agent": req.Agent,
			})
		}
		log.Printf("[API] Allocation denied: request=%s agent=%s campaign=%s: %v",
			requestID, req.Agent, req.Campaign, err)
		writeAllocationError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(websocket.EventAllocationGranted, alloc)
	}
	log.Printf("[API] Allocation granted: request=%s number=%s agent=%s campaign=%s",
		requestID, alloc.Number, req.Agent, req.Campaign)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"request_id":   requestID,
		"caller_id":    alloc.Number,
		"area_code":    alloc.AreaCode,
		"carrier":      alloc.Carrier,
		"reserved_for": alloc.TTLSeconds,
		"expires_at":   alloc.ExpiresAt,
		"destination":  alloc.Destination,
		"agent":        alloc.Agent,
		"campaign":     alloc.Campaign,
	})
}

// handleRelease drops a reservation before its TTL runs out.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	released, err := s.engine.Release(r.Context(), req.Number)
	if err != nil {
		writeAllocationError(w, err)
		return
	}

	if released && s.hub != nil {
		s.hub.Broadcast(websocket.EventAllocationReleased, map[string]string{
			"number": phone.Normalize(req.Number),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"released": released,
	})
}

// handleReservation reports the live reservation for a number, if any.
func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	number := strings.TrimPrefix(r.URL.Path, "/api/v1/reservation/")
	if number == "" {
		http.Error(w, "Number required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.LookupReservation(r.Context(), number)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success":  false,
			"reserved": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"reserved":    true,
		"reservation": res,
	})
}

// handleNumbers manages pool entries.
func (s *Server) handleNumbers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		numbers, err := s.catalog.ListCallerIDs(r.Context())
		if err != nil {
			http.Error(w, "Error listing numbers", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, numbers)
		return
	}

	if r.Method == http.MethodPost {
		var c database.CallerID
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		c.Number = phone.Normalize(c.Number)
		if !phone.ValidCallerID(c.Number) {
			http.Error(w, fmt.Sprintf("Number must be %d-%d digits", phone.MinCallerIDDigits, phone.MaxDigits),
				http.StatusBadRequest)
			return
		}
		if c.AreaCode == "" {
			c.AreaCode = phone.AreaCode(c.Number)
		}
		if c.HourlyCap == 0 {
			c.HourlyCap = s.config.Allocator.DefaultHourlyCap
		}
		if c.DailyCap == 0 {
			c.DailyCap = s.config.Allocator.DefaultDailyCap
		}
		if c.HourlyCap > c.DailyCap {
			http.Error(w, fmt.Sprintf("hourly_cap %d exceeds daily_cap %d", c.HourlyCap, c.DailyCap),
				http.StatusBadRequest)
			return
		}
		c.Active = true

		if err := s.catalog.CreateCallerID(r.Context(), &c); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				writeJSON(w, http.StatusConflict, map[string]interface{}{
					"success": false,
					"error":   fmt.Sprintf("number %s already exists", c.Number),
				})
				return
			}
			http.Error(w, fmt.Sprintf("Error creating number: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, c)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleNumberDeactivate pulls a number out of rotation without deleting it.
func (s *Server) handleNumberDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	number := phone.Normalize(r.URL.Query().Get("number"))
	if number == "" {
		http.Error(w, "Number required", http.StatusBadRequest)
		return
	}
	active := r.URL.Query().Get("active") == "true"

	if err := s.catalog.SetActive(r.Context(), number, active); err != nil {
		http.Error(w, fmt.Sprintf("Error updating number: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleNumberDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	number := phone.Normalize(r.URL.Query().Get("number"))
	if number == "" {
		http.Error(w, "Number required", http.StatusBadRequest)
		return
	}

	if err := s.catalog.DeleteCallerID(r.Context(), number); err != nil {
		http.Error(w, fmt.Sprintf("Error deleting number: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStats serves the aggregate pool view.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		http.Error(w, "Error fetching stats", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"stats":   stats,
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
		s.hub.Broadcast(websocket.EventStatsUpdate, stats)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAllocations serves the recent allocation history.
func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	recs, err := s.catalog.RecentAllocations(r.Context(), limit)
	if err != nil {
		http.Error(w, "Error fetching allocations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleLogin processes sign-in for the admin endpoints.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	token, err := s.authn.Login(creds.Username, creds.Password)
	if err != nil {
		log.Printf("[Auth] Failed login for user: %s", creds.Username)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  map[string]string{"username": creds.Username},
	})
}

// handleHealth is the liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
