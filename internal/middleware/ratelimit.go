package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/gaspool/pkg/logger"
)

// Backpressure sheds load before it reaches the handlers: a token
// bucket over the request rate and a hard cap on in-flight requests.
type Backpressure struct {
	limiter  *rate.Limiter
	inflight chan struct{}
	log      *logger.Logger
}

// NewBackpressure builds the middleware. An rps of zero disables the
// token bucket; maxInFlight must be positive.
func NewBackpressure(rps float64, burst, maxInFlight int, log *logger.Logger) *Backpressure {
	b := &Backpressure{
		inflight: make(chan struct{}, maxInFlight),
		log:      log,
	}
	if rps > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return b
}

// Handler returns the middleware handler.
func (b *Backpressure) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.limiter != nil && !b.limiter.Allow() {
			b.log.WithField("path", r.URL.Path).Debug("request rate limited")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"request rate limit exceeded"}`))
			return
		}
		select {
		case b.inflight <- struct{}{}:
			defer func() { <-b.inflight }()
		default:
			b.log.WithField("path", r.URL.Path).Warn("in-flight request cap reached")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server is at capacity"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
