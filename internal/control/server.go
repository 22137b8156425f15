package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vietddude/distributor/internal/contract"
	"github.com/vietddude/distributor/internal/core/domain"
	"github.com/vietddude/distributor/internal/infra/electrum"
)

// Server exposes the App over HTTP.
type Server struct {
	app    *App
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new API server.
func NewServer(app *App, port int) *Server {
	s := &Server{
		app: app,
		log: slog.Default().With("component", "http"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /wallet/generate", s.handleGenerate)
	mux.HandleFunc("POST /wallet/import", s.handleImport)
	mux.HandleFunc("POST /wallet/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /wallet/reveal", s.handleReveal)
	mux.HandleFunc("POST /wallet/refresh", s.handleRefresh)
	mux.HandleFunc("POST /wallet/send", s.handleSend)

	mux.HandleFunc("GET /contract/preview", s.handlePreview)
	mux.HandleFunc("POST /contract/deploy", s.handleDeploy)
	mux.HandleFunc("POST /contract/distribute", s.handleDistribute)
	mux.HandleFunc("GET /contract/runs", s.handleRuns)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps an error to an HTTP status. 503 means try again later;
// 400 and 422 mean the inputs must change. 502 is a server speaking garbage,
// which a retry will not fix.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidWIF),
		errors.Is(err, domain.ErrInvalidKey),
		errors.Is(err, domain.ErrEncoding),
		errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrContractRejected),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDistributionInProgress),
		errors.Is(err, domain.ErrNoWallet):
		return http.StatusConflict
	case errors.Is(err, domain.ErrClusterUnavailable),
		errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrCancelled),
		domain.IsTransportReason(err, domain.ReasonDisconnected, domain.ReasonTimeout):
		return http.StatusServiceUnavailable
	case domain.IsTransportReason(err, domain.ReasonProtocolError):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.Warn("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: status == http.StatusServiceUnavailable})
}

var errBadRequest = errors.New("malformed request body")

// decode reads an optional JSON body.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Endpoints []electrum.EndpointHealth `json:"endpoints,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Endpoints: s.app.EndpointHealth()})
}

type statusResponse struct {
	domain.WalletStatus
	ContractLink string `json:"contract_link,omitempty"`
	AddressLink  string `json:"address_link,omitempty"`
	Distribution any    `json:"distribution"`
}

func (s *Server) status() statusResponse {
	st := s.app.Status()
	resp := statusResponse{
		WalletStatus: st,
		ContractLink: domain.AddressLink(s.app.networkName(), st.ContractAddress),
		Distribution: s.app.DistributionStatus(),
	}
	if st.Address != "" {
		resp.AddressLink = domain.AddressLink(s.app.networkName(), st.Address)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.app.GenerateWallet(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

type importRequest struct {
	WIF string `json:"wif"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.app.ImportWallet(r.Context(), req.WIF); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if _, err := s.app.Disconnect(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	wif, err := s.app.RevealWIF()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"wif": wif})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.app.RefreshBalance(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

type sendRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sent, err := s.app.SendPayment(r.Context(), req.To, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}

type deployRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sent, err := s.app.Deploy(r.Context(), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req contract.Distribution
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.app.Distribute(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		s.log.Warn("Distribution failed", "run_id", out.RunID, "state", out.State, "error", err)
		writeJSON(w, status, struct {
			errorResponse
			Outcome any `json:"outcome"`
		}{errorResponse{Error: err.Error(), Retryable: status == http.StatusServiceUnavailable}, out})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Outcome any    `json:"outcome"`
		Link    string `json:"link,omitempty"`
	}{out, domain.TxLink(s.app.networkName(), out.TxID)})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	runs, err := s.app.RecentRuns(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	dpt := s.app.cfg.Contract.DividendPerToken
	if v := r.URL.Query().Get("dividend_per_token"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, r, fmt.Errorf("%w: dividend_per_token %q", domain.ErrInvalidAmount, v))
			return
		}
		dpt = parsed
	}
	addr, link, err := s.app.ContractPreview(dpt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dividend_per_token": dpt,
		"contract_address":   addr,
		"explorer_link":      link,
	})
}
