// Package middleware carries the HTTP middlewares of the station RPC
// server: bearer authorization, backpressure and request logging.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/R3E-Network/gaspool/pkg/logger"
)

// BearerAuth requires the shared station secret on protected paths.
type BearerAuth struct {
	secret    []byte
	protected []string
	log       *logger.Logger
}

// NewBearerAuth builds the authorization middleware. Paths with one of
// the protected prefixes require "Authorization: Bearer <secret>". An
// empty secret disables the check entirely.
func NewBearerAuth(secret string, protected []string, log *logger.Logger) *BearerAuth {
	if secret == "" {
		log.Warnf("authorization secret is not set, the RPC endpoints are open")
	}
	return &BearerAuth{secret: []byte(secret), protected: protected, log: log}
}

// Handler returns the middleware handler.
func (a *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 || !a.protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), a.secret) != 1 {
			a.log.WithField("path", r.URL.Path).Debug("rejected unauthorized request")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authorization token is required or invalid"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *BearerAuth) protects(path string) bool {
	for _, prefix := range a.protected {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
