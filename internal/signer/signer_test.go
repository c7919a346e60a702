package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/ledger"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

func testKeypair(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	raw := append([]byte{schemeEd25519}, seed...)
	return base64.StdEncoding.EncodeToString(raw), priv.Public().(ed25519.PublicKey)
}

func TestLocalSignerRoundTrip(t *testing.T) {
	keypair, pub := testKeypair(t)
	s, err := NewLocal(keypair)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	wantAddr := blake2b.Sum256(append([]byte{schemeEd25519}, pub...))
	if s.Address() != wantAddr {
		t.Fatalf("address = %s, want %x", s.Address(), wantAddr)
	}

	txBytes := []byte("sponsored transaction bytes")
	sigB64, err := s.Sign(context.Background(), txBytes)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	if len(sig) != 1+ed25519.SignatureSize+ed25519.PublicKeySize {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[0] != schemeEd25519 {
		t.Fatalf("scheme flag = %#x", sig[0])
	}
	if !ed25519.Verify(pub, ledger.SigningDigest(txBytes), sig[1:1+ed25519.SignatureSize]) {
		t.Fatal("signature does not verify over the intent digest")
	}
	if string(sig[1+ed25519.SignatureSize:]) != string(pub) {
		t.Fatal("appended public key does not match the signing key")
	}
}

func TestLocalSignerRejectsBadKeypairs(t *testing.T) {
	cases := []struct {
		name    string
		keypair string
	}{
		{"not base64", "!!!"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"wrong scheme flag", base64.StdEncoding.EncodeToString(append([]byte{0x01}, make([]byte, 32)...))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLocal(tc.keypair); !errs.IsKind(err, errs.KindInvalid) {
				t.Fatalf("err = %v, want Invalid", err)
			}
		})
	}
}

func TestSidecarSigner(t *testing.T) {
	wantSig := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5A}, 97))
	var gotTxBytes string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-pubkey-address":
			json.NewEncoder(w).Encode(map[string]string{"iotaPubkeyAddress": "0xab"})
		case "/sign-transaction":
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode sign request: %v", err)
			}
			gotTxBytes = req["txBytes"]
			json.NewEncoder(w).Encode(map[string]string{"signature": wantSig})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s, err := NewSidecar(context.Background(), srv.URL+"/", logger.NewDefault("signer-test"))
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}
	if got := s.Address().Short(); got != "0xab" {
		t.Fatalf("address = %s, want 0xab", got)
	}

	sig, err := s.Sign(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != wantSig {
		t.Fatalf("signature = %q", sig)
	}
	if gotTxBytes != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("sidecar received txBytes %q", gotTxBytes)
	}
}

func TestSidecarSignerFailures(t *testing.T) {
	var failSign atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get-pubkey-address" {
			json.NewEncoder(w).Encode(map[string]string{"iotaPubkeyAddress": "0xab"})
			return
		}
		if failSign.Load() {
			http.Error(w, "hsm offline", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"signature": ""})
	}))
	defer srv.Close()

	s, err := NewSidecar(context.Background(), srv.URL, logger.NewDefault("signer-test"))
	if err != nil {
		t.Fatalf("NewSidecar: %v", err)
	}

	failSign.Store(true)
	if _, err := s.Sign(context.Background(), []byte{1}); !errs.IsKind(err, errs.KindSignerUnavailable) {
		t.Fatalf("err = %v, want SignerUnavailable", err)
	}

	failSign.Store(false)
	if _, err := s.Sign(context.Background(), []byte{1}); !errs.IsKind(err, errs.KindSignerUnavailable) {
		t.Fatalf("empty signature err = %v, want SignerUnavailable", err)
	}
}

func TestNewSidecarRequiresLiveService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewSidecar(context.Background(), srv.URL, logger.NewDefault("signer-test")); !errs.IsKind(err, errs.KindSignerUnavailable) {
		t.Fatalf("err = %v, want SignerUnavailable", err)
	}
}
