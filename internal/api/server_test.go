package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/asset"
	"compliance-custody/internal/compliance"
	"compliance-custody/internal/custody"
	"compliance-custody/internal/events"
	"compliance-custody/internal/oracle"
	"compliance-custody/internal/roles"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	operator = common.HexToAddress("0x000000000000000000000000000000000000000b")
	vault    = common.HexToAddress("0x0000000000000000000000000000000000000c57")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token    = common.HexToAddress("0x0000000000000000000000000000000000007070")
)

func newTestServer(t *testing.T) (*httptest.Server, *asset.Simulated) {
	t.Helper()
	registry := roles.NewRegistry(admin)
	registry.Seed(roles.Operator, operator)

	orc, err := oracle.New(oracle.NewMemoryStore(), registry, oracle.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	mover := asset.NewSimulated(vault, zerolog.Nop())
	gate := compliance.NewGate(big.NewInt(1), orc, mover, zerolog.Nop())
	log := events.NewMemoryLog()
	ledger, err := custody.NewLedger(gate, mover, custody.Options{Publisher: log}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	srv := httptest.NewServer(NewServer(ledger, orc, log, zerolog.Nop()).Routes())
	t.Cleanup(srv.Close)
	return srv, mover
}

func call(t *testing.T, srv *httptest.Server, method, path string, caller common.Address, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != (common.Address{}) {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestDepositFlow(t *testing.T) {
	srv, mover := newTestServer(t)
	mover.Fund(alice, token, uint256.NewInt(100))

	deposit := map[string]string{
		"operation":   "deposit",
		"destination": alice.Hex(),
		"currency":    token.Hex(),
		"amount":      "100",
	}
	status, check := call(t, srv, http.MethodPost, "/v1/checks", alice, deposit)
	if status != http.StatusAccepted || check["status"] != "pending" {
		t.Fatalf("check: %d %v", status, check)
	}

	status, verdict := call(t, srv, http.MethodPost, "/v1/verdicts", operator, map[string]any{
		"fingerprint": check["fingerprint"],
		"approved":    true,
	})
	if status != http.StatusOK || verdict["status"] != "approved" {
		t.Fatalf("verdict: %d %v", status, verdict)
	}

	status, body := call(t, srv, http.MethodPost, "/v1/deposits", alice, deposit)
	if status != http.StatusOK || body["amount"] != "100" {
		t.Fatalf("deposit: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/balances/"+alice.Hex()+"/"+token.Hex(), common.Address{}, nil)
	if status != http.StatusOK || body["amount"] != "100" {
		t.Fatalf("balance: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/records?limit=10", common.Address{}, nil)
	records, _ := body["records"].([]any)
	if status != http.StatusOK || len(records) == 0 {
		t.Fatalf("records: %d %v", status, body)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, mover := newTestServer(t)
	mover.Fund(alice, token, uint256.NewInt(10))

	status, _ := call(t, srv, http.MethodPost, "/v1/deposits", alice, map[string]string{
		"destination": alice.Hex(), "currency": token.Hex(), "amount": "10",
	})
	if status != http.StatusForbidden {
		t.Fatalf("unapproved deposit should be forbidden, got %d", status)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/withdrawals", alice, map[string]string{
		"currency": token.Hex(), "amount": "5",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("withdraw without balance should be 422, got %d", status)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/transfers", alice, map[string]string{
		"destination": alice.Hex(), "currency": token.Hex(), "amount": "1",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("self transfer should be 400, got %d", status)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/transfers", common.Address{}, map[string]string{
		"destination": bob.Hex(), "currency": token.Hex(), "amount": "1",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("missing caller should be 401, got %d", status)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/deposits", alice, map[string]string{
		"destination": alice.Hex(), "currency": token.Hex(), "amount": "-3",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("negative amount should be 400, got %d", status)
	}
}

func TestVerdictRequiresOperator(t *testing.T) {
	srv, _ := newTestServer(t)

	status, check := call(t, srv, http.MethodPost, "/v1/checks", alice, map[string]string{
		"operation": "transfer", "destination": bob.Hex(), "currency": token.Hex(), "amount": "1",
	})
	if status != http.StatusAccepted {
		t.Fatalf("check: %d %v", status, check)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/verdicts", alice, map[string]any{
		"fingerprint": check["fingerprint"], "approved": true,
	})
	if status != http.StatusForbidden {
		t.Fatalf("non-operator verdict should be 403, got %d", status)
	}

	status, body := call(t, srv, http.MethodGet, "/v1/checks/"+check["fingerprint"].(string), common.Address{}, nil)
	if status != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("status: %d %v", status, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		compliance.Rejected(compliance.StatusRejected):                  http.StatusForbidden,
		custody.ErrInsufficientBalance:                                  http.StatusUnprocessableEntity,
		custody.ErrSelfTransfer:                                         http.StatusBadRequest,
		custody.ErrAssetMovementFailed:                                  http.StatusBadGateway,
		oracle.ErrNotPending:                                            http.StatusConflict,
		fmt.Errorf("%w: collect from wallet", compliance.ErrFeePayment): http.StatusPaymentRequired,
		compliance.ErrNoFeeCollector:                                    http.StatusServiceUnavailable,
		errors.New("disk full"):                                         http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: got %d want %d", err, got, want)
		}
	}
}
