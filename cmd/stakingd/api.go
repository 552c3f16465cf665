// api.go - HTTP API for the staking daemon
//
// Amounts cross this boundary as decimal strings with up to 6 fractional
// digits ("1000.5"); the core only ever sees the scaled raw integers.
// Responses echo the ACTUAL amount an operation moved, which the clamping
// semantics may make smaller than the request.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cipherstake "github.com/yukinakamura601/CipherStake"
	"github.com/yukinakamura601/CipherStake/internal/fhe"
	"github.com/yukinakamura601/CipherStake/internal/ledger"
)

// amountScale is the number of raw units per displayed token.
const amountScale = 1_000_000

// parseAmount converts a decimal string with up to 6 fractional digits to
// raw units.
func parseAmount(s string) (uint64, error) {
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 decimal places", s)
	}
	frac += strings.Repeat("0", 6-len(frac))

	var raw uint64
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid amount %q", s)
			}
			d := uint64(c - '0')
			if raw > (fhe.MaxAmount-d)/10 {
				return 0, fmt.Errorf("amount %q out of range", s)
			}
			raw = raw*10 + d
		}
	}
	return raw, nil
}

// formatAmount converts raw units back to a decimal string.
func formatAmount(raw uint64) string {
	whole, frac := raw/amountScale, raw%amountScale
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}

// Server exposes the staking stack over HTTP.
type Server struct {
	system  *cipherstake.System
	log     zerolog.Logger
	audit   zerolog.Logger
	metrics *MetricsCollector
	health  *HealthChecker
	limiter *AccountRateLimiter
}

// NewServer creates the API server.
func NewServer(system *cipherstake.System, log, audit zerolog.Logger, metrics *MetricsCollector, health *HealthChecker, limiter *AccountRateLimiter) *Server {
	return &Server{
		system:  system,
		log:     log.With().Str("component", "api").Logger(),
		audit:   audit,
		metrics: metrics,
		health:  health,
		limiter: limiter,
	}
}

// Routes registers all handlers on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mint", s.handleMint)
	mux.HandleFunc("POST /v1/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/revoke", s.handleRevoke)
	mux.HandleFunc("POST /v1/transfer", s.handleTransfer)
	mux.HandleFunc("POST /v1/stake", s.handleStake)
	mux.HandleFunc("POST /v1/unstake", s.handleUnstake)
	mux.HandleFunc("POST /v1/refresh-stake-access", s.handleRefreshStakeAccess)
	mux.HandleFunc("POST /v1/request-total-access", s.handleRequestTotalAccess)
	mux.HandleFunc("GET /v1/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/stake", s.handleStakeOf)
	mux.HandleFunc("GET /v1/total", s.handleTotal)
	mux.HandleFunc("GET /v1/decrypt", s.handleDecrypt)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

type amountRequest struct {
	Account string `json:"account"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Amount  string `json:"amount"`
}

type amountResponse struct {
	Actual string `json:"actual"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fhe.ErrInvalidProof), errors.Is(err, fhe.ErrAmountRange):
		status = http.StatusBadRequest
		s.metrics.IncrementCounter(MetricIngestRejected, nil)
	case errors.Is(err, ledger.ErrNotOperator), errors.Is(err, fhe.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, fhe.ErrUnknownHandle), errors.Is(err, fhe.ErrUninitialized):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.metrics.RecordError("internal")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeAmountRequest parses the request body and applies per-account rate
// limiting keyed on the acting account.
func (s *Server) decodeAmountRequest(w http.ResponseWriter, r *http.Request) (*amountRequest, uint64, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return nil, 0, false
	}
	actor := req.Account
	if actor == "" {
		actor = req.From
	}
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account must be set"})
		return nil, 0, false
	}
	if !s.limiter.Allow(actor) {
		s.metrics.IncrementCounter(MetricRequestRejected, nil)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return nil, 0, false
	}
	var raw uint64
	if req.Amount != "" {
		var err error
		raw, err = parseAmount(req.Amount)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return nil, 0, false
		}
	}
	return &req, raw, true
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	if err := s.system.Mint(ledger.Account(req.Account), raw); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.IncrementCounter(MetricMintCount, nil)
	s.metrics.RecordOperation("mint", time.Since(start))
	s.log.Info().Str("account", req.Account).Msg("mint")
	s.audit.Info().Str("event", "mint").Str("account", req.Account).Send()
	writeJSON(w, http.StatusOK, amountResponse{Actual: req.Amount})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	s.system.AuthorizeVault(ledger.Account(req.Account))
	s.log.Info().Str("account", req.Account).Msg("vault authorized")
	s.audit.Info().Str("event", "authorize").Str("account", req.Account).Send()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	s.system.RevokeVault(ledger.Account(req.Account))
	s.log.Info().Str("account", req.Account).Msg("vault authorization revoked")
	s.audit.Info().Str("event", "revoke").Str("account", req.Account).Send()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from and to must be set"})
		return
	}
	start := time.Now()
	actual, err := s.system.Transfer(ledger.Account(req.From), ledger.Account(req.To), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.IncrementCounter(MetricTransferCount, nil)
	s.metrics.RecordOperation("transfer", time.Since(start))
	s.log.Info().Str("from", req.From).Str("to", req.To).Msg("transfer")
	writeJSON(w, http.StatusOK, amountResponse{Actual: formatAmount(actual)})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	actual, err := s.system.Stake(ledger.Account(req.Account), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.IncrementCounter(MetricStakeCount, nil)
	s.metrics.RecordOperation("stake", time.Since(start))
	s.updateTotalGauge()
	s.log.Info().Str("account", req.Account).Msg("stake")
	s.audit.Info().Str("event", "stake").Str("account", req.Account).Send()
	writeJSON(w, http.StatusOK, amountResponse{Actual: formatAmount(actual)})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	actual, err := s.system.Unstake(ledger.Account(req.Account), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.IncrementCounter(MetricUnstakeCount, nil)
	s.metrics.RecordOperation("unstake", time.Since(start))
	s.updateTotalGauge()
	s.log.Info().Str("account", req.Account).Msg("unstake")
	s.audit.Info().Str("event", "unstake").Str("account", req.Account).Send()
	writeJSON(w, http.StatusOK, amountResponse{Actual: formatAmount(actual)})
}

func (s *Server) handleRefreshStakeAccess(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if err := s.system.Vault.RefreshMyStakeAccess(ledger.Account(req.Account)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRequestTotalAccess(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if err := s.system.Vault.RequestTotalAccess(ledger.Account(req.Account)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDecrypt is the decryption collaborator endpoint: it opens an
// arbitrary handle for a principal holding a grant on it.
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account must be set"})
		return
	}
	if !s.limiter.Allow(account) {
		s.metrics.IncrementCounter(MetricRequestRejected, nil)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}
	var h fhe.Handle
	if err := h.UnmarshalText([]byte(r.URL.Query().Get("handle"))); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	value, err := s.system.Enclave.Decrypt(h, fhe.Principal(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": formatAmount(value)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.handleRead(w, r, s.system.BalanceOf)
}

func (s *Server) handleStakeOf(w http.ResponseWriter, r *http.Request) {
	s.handleRead(w, r, s.system.StakeOf)
}

func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	s.handleRead(w, r, s.system.TotalStaked)
}

// handleRead serves the decrypt-for-owner query endpoints. The account
// parameter names the principal the value is decrypted for; the access
// control underneath decides whether that succeeds.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, read func(ledger.Account) (uint64, error)) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account must be set"})
		return
	}
	if !s.limiter.Allow(account) {
		s.metrics.IncrementCounter(MetricRequestRejected, nil)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}
	value, err := read(ledger.Account(account))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": formatAmount(value)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, CreateHealthResponse(health))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetricsSummary())
}

// updateTotalGauge mirrors the aggregate total into the metrics, using the
// vault's own principal. The aggregate is readable by anyone on request, so
// exporting it leaks nothing new.
func (s *Server) updateTotalGauge() {
	total, err := s.system.TotalStaked(s.system.Vault.Account())
	if err != nil {
		return
	}
	s.metrics.SetGauge(MetricTotalStaked, float64(total)/amountScale, nil)
}
