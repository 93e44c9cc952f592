// Copyright 2025 Certen Protocol
//
// HTTP handler tests for the signer service.

package signerhttp

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c2concierge/retrosign/pkg/model"
	"github.com/c2concierge/retrosign/pkg/signing"
)

func newTestHandlers(t *testing.T) (*Handlers, string) {
	t.Helper()
	reg := signing.NewRegistry()
	backend := signing.NewSoftwareBackend(signing.SoftwareOptions{KeyID: "test-key"})
	reg.Register("tenant-a", model.BackendSoftware, backend)
	return New(reg, nil), "tenant-a"
}

func TestHandleSign_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/sign", nil)
	rr := httptest.NewRecorder()

	h.HandleSign(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestHandleSign_UnknownTenant(t *testing.T) {
	h, _ := newTestHandlers(t)
	digest := bytes.Repeat([]byte{0x01}, 32)
	body, _ := json.Marshal(signRequest{TenantID: "nope", DigestHex: hex.EncodeToString(digest)})
	req := httptest.NewRequest(http.MethodPost, "/sign", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleSign(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestHandleSign_BadDigest(t *testing.T) {
	h, tenant := newTestHandlers(t)
	body, _ := json.Marshal(signRequest{TenantID: tenant, DigestHex: "not-hex"})
	req := httptest.NewRequest(http.MethodPost, "/sign", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleSign(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestHandleSign_Success(t *testing.T) {
	h, tenant := newTestHandlers(t)
	digest := bytes.Repeat([]byte{0x02}, 32)
	body, _ := json.Marshal(signRequest{TenantID: tenant, DigestHex: hex.EncodeToString(digest), RequestID: "req-1"})
	req := httptest.NewRequest(http.MethodPost, "/sign", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.HandleSign(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp signResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("expected request id to round-trip, got %q", resp.RequestID)
	}
	if resp.SignatureHex == "" {
		t.Error("expected non-empty signature")
	}
}

func TestHandlePublicKey_Success(t *testing.T) {
	h, tenant := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/pubkey/"+tenant, nil)
	rr := httptest.NewRecorder()

	h.HandlePublicKey(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "BEGIN PUBLIC KEY") {
		t.Error("expected PEM public key in response")
	}
}

func TestHandleHealth_EnumeratesBackends(t *testing.T) {
	h, tenant := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	h.HandleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), tenant) {
		t.Error("expected registered tenant in health response")
	}
}
