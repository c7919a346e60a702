package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const sidecarTimeout = 30 * time.Second

// Sidecar signs through an external signing service so the sponsor key
// never enters this process. The sidecar exposes two endpoints:
// GET /get-pubkey-address and POST /sign-transaction.
type Sidecar struct {
	url     string
	http    *http.Client
	address types.Address
	log     *logger.Logger
}

type pubkeyAddressResponse struct {
	IotaPubkeyAddress string `json:"iotaPubkeyAddress"`
}

type signTransactionRequest struct {
	TxBytes string `json:"txBytes"`
}

type signTransactionResponse struct {
	Signature string `json:"signature"`
}

// NewSidecar connects to the sidecar at url and fetches the sponsor
// address it signs for. Construction fails if the sidecar is down, so a
// misconfigured station never starts serving.
func NewSidecar(ctx context.Context, url string, log *logger.Logger) (*Sidecar, error) {
	s := &Sidecar{
		url:  strings.TrimSuffix(url, "/"),
		http: &http.Client{Timeout: sidecarTimeout},
		log:  log,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/get-pubkey-address", nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "build pubkey address request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignerUnavailable, err, "fetch sponsor address from sidecar")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.KindSignerUnavailable,
			"sidecar pubkey address request returned status %d", resp.StatusCode)
	}

	var parsed pubkeyAddressResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.KindSignerUnavailable, err, "decode sidecar address response")
	}
	address, err := types.ParseAddress(parsed.IotaPubkeyAddress)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignerUnavailable, err, "sidecar reported address")
	}
	s.address = address
	log.WithField("address", address.String()).Info("connected to signing sidecar")
	return s, nil
}

func (s *Sidecar) Address() types.Address {
	return s.address
}

// Sign posts the transaction bytes to the sidecar and returns the
// serialized signature it produced.
func (s *Sidecar) Sign(ctx context.Context, txBytes []byte) (string, error) {
	body, err := json.Marshal(signTransactionRequest{
		TxBytes: base64.StdEncoding.EncodeToString(txBytes),
	})
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "encode sign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign-transaction", bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "build sign request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindSignerUnavailable, err, "call signing sidecar")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return "", errs.Newf(errs.KindSignerUnavailable,
			"sidecar sign request returned status %d; %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed signTransactionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err != nil {
		return "", errs.Wrap(errs.KindSignerUnavailable, err, "decode sidecar sign response")
	}
	if err := validSignature(parsed.Signature); err != nil {
		return "", err
	}
	return parsed.Signature, nil
}

func validSignature(sigB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errs.Wrap(errs.KindSignerUnavailable, err, "sidecar signature is not base64")
	}
	if len(raw) == 0 {
		return errs.Newf(errs.KindSignerUnavailable, "sidecar returned an empty signature")
	}
	return nil
}
