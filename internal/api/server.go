package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/compliance"
	"compliance-custody/internal/custody"
	"compliance-custody/internal/events"
	"compliance-custody/internal/oracle"
)

// CallerHeader identifies the acting account on every request.
const CallerHeader = "X-Caller-Address"

const defaultRecordLimit = 50

// RecordSource lists recently published records.
type RecordSource interface {
	Recent(limit int) []events.Record
}

// Server exposes the ledger and the in-process oracle over HTTP.
type Server struct {
	ledger  *custody.Ledger
	oracle  *oracle.Oracle
	records RecordSource
	logger  zerolog.Logger
}

// NewServer builds the HTTP surface. records may be nil.
func NewServer(ledger *custody.Ledger, o *oracle.Oracle, records RecordSource, logger zerolog.Logger) *Server {
	return &Server{
		ledger:  ledger,
		oracle:  o,
		records: records,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes returns the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposits", s.withCaller(s.deposit))
		r.Post("/withdrawals", s.withCaller(s.withdraw))
		r.Post("/transfers", s.withCaller(s.transfer))
		r.Post("/checks", s.withCaller(s.requestCheck))
		r.Get("/checks/{fingerprint}", s.checkStatus)
		r.Post("/verdicts", s.withCaller(s.issueVerdict))
		r.Get("/balances/{account}/{currency}", s.balance)
		r.Get("/records", s.listRecords)
	})
	return r
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller common.Address)

func (s *Server) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(CallerHeader))
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusUnauthorized, CallerHeader+" header must carry an account address")
			return
		}
		next(w, r, common.HexToAddress(raw))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

type movementRequest struct {
	Operation   string `json:"operation,omitempty"`
	Destination string `json:"destination,omitempty"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

type movement struct {
	destination common.Address
	currency    common.Address
	amount      *uint256.Int
	opts        []custody.CallOption
}

func decodeMovement(r *http.Request, requireDestination bool) (movementRequest, movement, error) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, movement{}, errors.New("invalid json")
	}
	var m movement
	if requireDestination || req.Destination != "" {
		if !common.IsHexAddress(req.Destination) {
			return req, m, errors.New("destination must be an account address")
		}
		m.destination = common.HexToAddress(req.Destination)
	}
	if !common.IsHexAddress(req.Currency) {
		return req, m, errors.New("currency must be an address")
	}
	m.currency = common.HexToAddress(req.Currency)
	if req.Amount != "" {
		amount, err := uint256.FromDecimal(req.Amount)
		if err != nil {
			return req, m, errors.New("amount must be a non-negative base-10 integer")
		}
		m.amount = amount
	}
	if req.Memo != "" {
		memo, err := hexutil.Decode(req.Memo)
		if err != nil {
			return req, m, errors.New("memo must be 0x-prefixed hex")
		}
		m.opts = append(m.opts, custody.WithMemo(memo))
	}
	return req, m, nil
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request, caller common.Address) {
	_, m, err := decodeMovement(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ledger.Deposit(r.Context(), caller, m.destination, m.currency, m.amount, m.opts...); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeBalance(w, m.destination, m.currency)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, caller common.Address) {
	_, m, err := decodeMovement(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ledger.Withdraw(r.Context(), caller, m.currency, m.amount, m.opts...); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeBalance(w, caller, m.currency)
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, caller common.Address) {
	_, m, err := decodeMovement(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ledger.Transfer(r.Context(), caller, m.destination, m.currency, m.amount, m.opts...); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeBalance(w, caller, m.currency)
}

type checkResponse struct {
	Fingerprint  string    `json:"fingerprint"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Pooled       int64     `json:"pooled"`
}

func newCheckResponse(rec oracle.Record) checkResponse {
	return checkResponse{
		Fingerprint:  rec.Fingerprint.Hex(),
		Status:       rec.Status.String(),
		RegisteredAt: rec.RegisteredAt,
		ExpiresAt:    rec.ExpiresAt,
		Pooled:       rec.Pooled,
	}
}

// requestCheck builds the request the caller is about to make and registers it with the
// oracle, so an operator can decide on it before the movement is attempted.
func (s *Server) requestCheck(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, m, err := decodeMovement(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := custody.ParseOperation(body.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.ledger.Request(op, caller, m.destination, m.currency, m.amount, m.opts...)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	fp, err := compliance.ComputeFingerprint(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.oracle.RequestCheck(r.Context(), fp)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newCheckResponse(rec))
}

func (s *Server) checkStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "fingerprint")
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, http.StatusBadRequest, "fingerprint must be a 32-byte hex hash")
		return
	}
	rec, err := s.oracle.Status(r.Context(), common.BytesToHash(decoded))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if rec.Status == compliance.StatusNotFound {
		writeError(w, http.StatusNotFound, "authorization not found")
		return
	}
	writeJSON(w, http.StatusOK, newCheckResponse(rec))
}

func (s *Server) issueVerdict(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Approved    bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	decoded, err := hexutil.Decode(req.Fingerprint)
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, http.StatusBadRequest, "fingerprint must be a 32-byte hex hash")
		return
	}
	fp := common.BytesToHash(decoded)
	if err := s.oracle.IssueVerdict(r.Context(), caller, fp, req.Approved); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	rec, err := s.oracle.Status(r.Context(), fp)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCheckResponse(rec))
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	account, currency := chi.URLParam(r, "account"), chi.URLParam(r, "currency")
	if !common.IsHexAddress(account) || !common.IsHexAddress(currency) {
		writeError(w, http.StatusBadRequest, "account and currency must be addresses")
		return
	}
	s.writeBalance(w, common.HexToAddress(account), common.HexToAddress(currency))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records := []events.Record{}
	if s.records != nil {
		records = append(records, s.records.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type balanceResponse struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) writeBalance(w http.ResponseWriter, account, currency common.Address) {
	writeJSON(w, http.StatusOK, balanceResponse{
		Account:  account.Hex(),
		Currency: currency.Hex(),
		Amount:   s.ledger.BalanceOf(account, currency).Dec(),
	})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	body := map[string]string{"error": err.Error()}
	if oracleStatus, ok := compliance.RejectionStatus(err); ok {
		body["oracle_status"] = oracleStatus.String()
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, compliance.ErrComplianceRejected),
		errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrSelfTransfer),
		errors.Is(err, custody.ErrInvalidAccount),
		errors.Is(err, compliance.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrNotPending),
		errors.Is(err, compliance.ErrDuplicateCheck):
		return http.StatusConflict
	case errors.Is(err, custody.ErrAssetMovementFailed):
		return http.StatusBadGateway
	case errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, custody.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, compliance.ErrFeePayment):
		return http.StatusPaymentRequired
	case errors.Is(err, compliance.ErrNoFeeCollector):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
