package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/crosslock/crosslock/internal/asset"
	"github.com/crosslock/crosslock/internal/bridge"
	"github.com/crosslock/crosslock/internal/config"
	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/escrow"
	"github.com/crosslock/crosslock/internal/logging"
	"github.com/crosslock/crosslock/internal/stable"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv      *Server
	platform *ecdsa.PrivateKey
	creator  *ecdsa.PrivateKey
	fake     *asset.FakeClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	platform, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate platform key: %v", err)
	}
	creator, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate creator key: %v", err)
	}

	treasury := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	custodian := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	cfg := &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		ChainID:        84532,
		LocalChain:     30,
		AssetContract:  config.DefaultAssetContract,
		DomainName:     "Crosslock",
		DomainVersion:  "1",
		PlatformSigner: crypto.PubkeyToAddress(platform.PublicKey).Hex(),
		Treasury:       treasury.Hex(),
		Owner:          custodian.Hex(),
		FeeNumerator:   100,
		FeeDenominator: 10000,
		DisputeTimeout: config.DefaultDisputeTimeout,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	fake := asset.NewFakeClient(common.HexToAddress(cfg.AssetContract), custodian)
	fake.Mint(crypto.PubkeyToAddress(creator.PublicKey), stable.MustParse("10000"))
	fake.Mint(treasury, stable.MustParse("10000"))

	srv, err := New(cfg,
		WithLogger(logging.New("error", "text")),
		WithAssetClient(fake),
		WithBridgeClient(bridge.NewFakeClient()),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	return &testEnv{srv: srv, platform: platform, creator: creator, fake: fake}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

// createEscrow drives the full HTTP create flow with a platform
// signature over the creator's current account nonce.
func (e *testEnv) createEscrow(t *testing.T, amount string) uint64 {
	t.Helper()

	creatorAddr := crypto.PubkeyToAddress(e.creator.PublicKey)
	beneficiary := escrow.BeneficiaryFromAddress(common.HexToAddress("0x00000000000000000000000000000000000000bb"))

	n, err := e.srv.Escrow().AccountNonce(context.Background(), creatorAddr)
	if err != nil {
		t.Fatalf("account nonce: %v", err)
	}

	parsed := stable.MustParse(amount)
	hash := digest.CreateEscrow(e.srv.Escrow().Domain(), creatorAddr, parsed, beneficiary, 30, n)
	sig, err := digest.Sign(hash, e.platform)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := e.request(t, "POST", "/v1/escrows", gin.H{
		"creator":     creatorAddr.Hex(),
		"amount":      amount,
		"beneficiary": beneficiary.Hex(),
		"targetChain": 30,
		"signature":   hexutil.Encode(sig),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create escrow: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			ID uint64 `json:"id"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return resp.Escrow.ID
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	if resp["database"] != "not configured" {
		t.Errorf("Expected database 'not configured', got %v", resp["database"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	env := newTestEnv(t)

	// Run hasn't been called, so the server isn't ready yet
	w := env.request(t, "GET", "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/api", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["name"] != "Crosslock" {
		t.Errorf("Expected name 'Crosslock', got %v", resp["name"])
	}
	if resp["disputeTimeout"] != "72h0m0s" {
		t.Errorf("Expected disputeTimeout '72h0m0s', got %v", resp["disputeTimeout"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestCreateEscrowOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	id := env.createEscrow(t, "100")

	w := env.request(t, "GET", fmt.Sprintf("/v1/escrows/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			Amount string `json:"amount"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Escrow.Amount != "100" {
		t.Errorf("Expected amount '100', got %q", resp.Escrow.Amount)
	}
}

func TestAccountNonceAdvancesAfterCreate(t *testing.T) {
	env := newTestEnv(t)
	creatorAddr := crypto.PubkeyToAddress(env.creator.PublicKey)

	env.createEscrow(t, "25")

	w := env.request(t, "GET", "/v1/accounts/"+creatorAddr.Hex()+"/nonce", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Nonce != 1 {
		t.Errorf("Expected nonce 1, got %d", resp.Nonce)
	}
}

func TestFeeQuote(t *testing.T) {
	env := newTestEnv(t)
	creatorAddr := crypto.PubkeyToAddress(env.creator.PublicKey)

	w := env.request(t, "GET", "/v1/fees/quote?user="+creatorAddr.Hex()+"&amount=100", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["fee"] != "1" {
		t.Errorf("Expected fee '1', got %q", resp["fee"])
	}
}

func TestAdminAllowedInDevelopmentWithoutSecret(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "PUT", "/v1/admin/dispute-timeout", gin.H{"timeout": "48h"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.srv.Escrow().DisputeTimeout().String(); got != "48h0m0s" {
		t.Errorf("Expected dispute timeout 48h0m0s, got %s", got)
	}
}

func TestAdminRequiresSecretWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.AdminSecret = "hunter2"

	w := env.request(t, "PUT", "/v1/admin/dispute-timeout", gin.H{"timeout": "48h"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(gin.H{"timeout": "48h"})
	req := httptest.NewRequest("PUT", "/v1/admin/dispute-timeout", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "hunter2")
	w2 := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestUnknownEscrowReturns404(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/v1/escrows/99", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, "GET", "/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}
