// Copyright 2025 Certen Protocol
//
// Package signerhttp exposes the signing backend registry over HTTP
// (spec §6 "Signer service"): POST /sign, GET /pubkey/{tenant}, and
// GET /health. Grounded on the teacher's
// pkg/server/attestation_handlers.go handler-struct-with-logger shape
// and pkg/server/batch_handlers.go's writeJSONError convention, using
// stdlib net/http + encoding/json since the teacher never reaches for a
// router library for handlers this shallow.
package signerhttp

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c2concierge/retrosign/pkg/signing"
)

// Handlers serves the signer HTTP surface over a signing.Registry.
type Handlers struct {
	registry *signing.Registry
	logger   *log.Logger
}

// New constructs Handlers over registry. A nil logger defaults to
// stderr, matching NewAttestationHandlers' nil-logger fallback.
func New(registry *signing.Registry, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(os.Stderr, "[signerhttp] ", log.LstdFlags)
	}
	return &Handlers{registry: registry, logger: logger}
}

type signRequest struct {
	TenantID  string    `json:"tenant_id"`
	DigestHex string    `json:"digest_hex"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type signResponse struct {
	SignatureHex string             `json:"signature_hex"`
	KeyMetadata  signing.KeyMetadata `json:"key_metadata"`
	SignedAt     time.Time          `json:"signed_at"`
	RequestID    string             `json:"request_id"`
}

// HandleSign handles POST /sign.
func (h *Handlers) HandleSign(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	digest, err := hex.DecodeString(req.DigestHex)
	if err != nil || len(digest) != 32 {
		writeJSONError(w, "digest_hex must be 32 bytes hex-encoded", http.StatusBadRequest)
		return
	}

	backend, ok := h.registry.Get(req.TenantID)
	if !ok {
		writeJSONError(w, "unknown tenant", http.StatusNotFound)
		return
	}

	var digestArr [32]byte
	copy(digestArr[:], digest)
	sig, err := backend.SignES256(r.Context(), req.TenantID, digestArr)
	if err != nil {
		h.logger.Printf("sign failed for tenant %s: %v", req.TenantID, err)
		writeJSONError(w, "backend signing failed", http.StatusInternalServerError)
		return
	}
	meta, err := backend.KeyMetadata(r.Context(), req.TenantID)
	if err != nil {
		h.logger.Printf("key metadata failed for tenant %s: %v", req.TenantID, err)
		writeJSONError(w, "backend signing failed", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(signResponse{
		SignatureHex: hex.EncodeToString(sig),
		KeyMetadata:  meta,
		SignedAt:     time.Now().UTC(),
		RequestID:    req.RequestID,
	})
}

// HandlePublicKey handles GET /pubkey/{tenant}.
func (h *Handlers) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := strings.TrimPrefix(r.URL.Path, "/pubkey/")
	if tenant == "" || tenant == r.URL.Path {
		writeJSONError(w, "tenant required", http.StatusBadRequest)
		return
	}

	backend, ok := h.registry.Get(tenant)
	if !ok {
		writeJSONError(w, "unknown tenant", http.StatusNotFound)
		return
	}

	pem, err := backend.PublicKeyPEM(r.Context(), tenant)
	if err != nil {
		h.logger.Printf("public key fetch failed for tenant %s: %v", tenant, err)
		writeJSONError(w, "backend unavailable", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"tenant_id": tenant, "public_key_pem": pem})
}

// HandleHealth handles GET /health, enumerating every registered
// tenant's backend health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := make(map[string]signing.Health)
	for _, tenant := range h.registry.List() {
		backend, ok := h.registry.Get(tenant)
		if !ok {
			continue
		}
		health, err := backend.HealthCheck(r.Context())
		if err != nil {
			health = signing.Health{Healthy: false, Error: err.Error(), LastCheck: time.Now().UTC()}
		}
		statuses[tenant] = health
	}

	json.NewEncoder(w).Encode(map[string]any{
		"backends": statuses,
		"stats":    h.registry.Stats(),
	})
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"code":      status,
		"timestamp": time.Now().UTC(),
	})
}
