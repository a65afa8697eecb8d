package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpVault/internal/fault"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
)

// Server exposes the read API. gRPC carries health and reflection for
// probes and grpcurl; the query surface is HTTP/JSON routed through a
// gateway mux so the two listeners share one address scheme.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	queries       *query.Service
	healthChecker *observability.HealthChecker
}

// Deps holds the dependencies the API server serves from.
type Deps struct {
	QueryService  *query.Service
	HealthChecker *observability.HealthChecker
}

func NewServer(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		queries:       deps.QueryService,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON query API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		handler runtime.HandlerFunc
	}{
		{"/v1/accounts/{owner}", s.handleAccount},
		{"/v1/capital", s.handleCapital},
		{"/v1/traders/{trader}/trades", s.handleTrades},
		{"/v1/trades/{id}", s.handleTrade},
		{"/v1/exposures", s.handleExposures},
		{"/v1/exposures/{asset}", s.handleExposure},
		{"/v1/epoch", s.handleEpoch},
		{"/v1/epochs/{id}", s.handleEpochRecord},
		{"/v1/providers/{owner}/withdrawals", s.handleWithdrawals},
		{"/v1/providers/{owner}/shares", s.handleShares},
		{"/v1/pnl/run", s.handlePnlRun},
		{"/v1/commands", s.handleCommandHistory},
		{"/v1/admin/integrity", s.handleIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.pattern, r.handler); err != nil {
			return fmt.Errorf("register route %s: %w", r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP API shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- handlers ---

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	writeJSON(w, s.queries.GetAccount(owner))
}

func (s *Server) handleCapital(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeJSON(w, s.queries.GetCapital())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request, params map[string]string) {
	trader, err := uuid.Parse(params["trader"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader id")
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	trades := s.queries.GetTrades(trader, openOnly)
	writeJSON(w, map[string]interface{}{"trades": trades})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}
	resp, err := s.queries.GetTrade(id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleExposures(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeJSON(w, map[string]interface{}{"exposures": s.queries.GetExposures()})
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["asset"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}
	resp, err := s.queries.GetExposure(uint32(id))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request, params map[string]string) {
	writeJSON(w, s.queries.GetEpoch())
}

func (s *Server) handleEpochRecord(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch id")
		return
	}
	resp, err := s.queries.GetEpochRecord(id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	writeJSON(w, map[string]interface{}{"withdrawals": s.queries.GetWithdrawals(owner)})
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	shares, asOf := s.queries.GetShares(owner)
	writeJSON(w, map[string]interface{}{
		"owner":          owner,
		"shares":         shares,
		"as_of_sequence": asOf,
	})
}

func (s *Server) handlePnlRun(w http.ResponseWriter, r *http.Request, params map[string]string) {
	run := s.queries.GetPnlRun()
	if run == nil {
		writeJSON(w, map[string]interface{}{"run": nil})
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}

	var commandType *string
	if raw := q.Get("type"); raw != "" {
		commandType = &raw
	}

	var before *int64
	if raw := q.Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	entries, err := s.queries.GetCommandHistory(r.Context(), commandType, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"commands": entries})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, fault.ErrValidation) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
