package rpc

import (
	"net/http"

	"github.com/R3E-Network/gaspool/internal/errs"
)

// statusOf maps an error kind onto the HTTP status the client sees.
// Transient kinds map to 503 so callers know a retry can succeed.
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindDenied:
		return http.StatusForbidden
	case errs.KindCapExceeded:
		return http.StatusTooManyRequests
	case errs.KindNotFound, errs.KindExpired:
		return http.StatusGone
	case errs.KindInsufficient, errs.KindStoreUnavailable,
		errs.KindLedgerUnavailable, errs.KindSignerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
