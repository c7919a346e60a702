package access

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// hookTimeout caps one round trip to an external decision service.
const hookTimeout = 60 * time.Second

// Hook verdict strings on the wire.
const (
	hookVerdictAllow      = "allow"
	hookVerdictDeny       = "deny"
	hookVerdictNoDecision = "noDecision"
)

type hookRequest struct {
	ExecuteTxRequest hookExecuteTx `json:"executeTxRequest"`
}

type hookExecuteTx struct {
	Payload hookPayload         `json:"payload"`
	Headers map[string][]string `json:"headers"`
}

type hookPayload struct {
	ReservationID uint64 `json:"reservationId"`
	TxBytes       string `json:"txBytes"`
	UserSig       string `json:"userSig"`
}

type hookResponse struct {
	Decision    string `json:"decision"`
	UserMessage string `json:"userMessage"`
}

// HookClient posts transaction details to hook endpoints and reads back
// their verdicts.
type HookClient struct {
	http *http.Client
	log  *logger.Logger
}

// NewHookClient builds a hook client. client may be nil, in which case
// a default client with the hook timeout is used.
func NewHookClient(client *http.Client, log *logger.Logger) *HookClient {
	if client == nil {
		client = &http.Client{Timeout: hookTimeout}
	}
	return &HookClient{http: client, log: log}
}

// Call posts tcx to the configured hook and returns the verdict string
// plus the optional user-facing message.
func (h *HookClient) Call(ctx context.Context, cfg *HookConfig, tcx *TxContext) (string, string, error) {
	headers := tcx.Headers
	if headers == nil {
		headers = map[string][]string{}
	}
	body, err := json.Marshal(hookRequest{
		ExecuteTxRequest: hookExecuteTx{
			Payload: hookPayload{
				ReservationID: tcx.ReservationID,
				TxBytes:       tcx.TxBytesB64,
				UserSig:       tcx.UserSigB64,
			},
			Headers: headers,
		},
	})
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "encode hook request")
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "build hook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range cfg.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "call hook %s", cfg.URL)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "read hook response from %s", cfg.URL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", errs.Newf(errs.KindInternal, "hook call failed with status %d; %s", resp.StatusCode, string(raw))
	}

	var hr hookResponse
	if err := json.Unmarshal(raw, &hr); err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "decode hook response from %s", cfg.URL)
	}
	switch hr.Decision {
	case hookVerdictAllow, hookVerdictDeny, hookVerdictNoDecision:
	default:
		return "", "", errs.Newf(errs.KindInternal, "hook %s returned unknown decision %q", cfg.URL, hr.Decision)
	}
	h.log.WithField("hook", cfg.URL).WithField("decision", hr.Decision).
		Debugf("hook verdict for reservation %d", tcx.ReservationID)
	return hr.Decision, hr.UserMessage, nil
}
