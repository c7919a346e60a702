package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3

	coinPageSize    = 100
	multiGetChunk   = 50
	objectPollEvery = 200 * time.Millisecond

	maxResponseBytes = 8 << 20
)

// Options tunes the full-node client.
type Options struct {
	Timeout  time.Duration
	Retries  int
	Username string
	Password string
}

// Client is a JSON-RPC client for the full node with bounded retries on
// transport failures.
type Client struct {
	url      string
	http     *http.Client
	username string
	password string
	retries  int
	log      *logger.Logger

	mu         sync.Mutex
	gasPrice   uint64
	gasPriceAt time.Time
}

func NewClient(url string, opts Options, log *logger.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &Client{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		username: opts.Username,
		password: opts.Password,
		retries:  retries,
		log:      log,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, errs.Wrap(errs.KindInternal, err, "encode %s request", method)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				metrics.FullnodeRequestsTotal.WithLabelValues(method, "error").Inc()
				return gjson.Result{}, errs.Wrap(errs.KindLedgerUnavailable, ctx.Err(), "%s", method)
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		result, retryable, err := c.once(ctx, method, body)
		if err == nil {
			metrics.FullnodeRequestsTotal.WithLabelValues(method, "ok").Inc()
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.log.WithError(err).Warnf("%s attempt %d failed", method, attempt+1)
	}
	metrics.FullnodeRequestsTotal.WithLabelValues(method, "error").Inc()
	return gjson.Result{}, lastErr
}

func (c *Client) once(ctx context.Context, method string, body []byte) (gjson.Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, false, errs.Wrap(errs.KindInternal, err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, true, errs.Wrap(errs.KindLedgerUnavailable, err, "%s", method)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, true, errs.Wrap(errs.KindLedgerUnavailable, err, "read %s response", method)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500
		return gjson.Result{}, retryable, errs.Newf(errs.KindLedgerUnavailable,
			"%s returned status %d", method, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(raw)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() {
		return gjson.Result{}, false, errs.Newf(errs.KindInvalid, "%s: %s (code %d)",
			method, rpcErr.Get("message").String(), rpcErr.Get("code").Int())
	}
	return parsed.Get("result"), false, nil
}

// GetAllCoins pages through every gas coin owned by owner.
func (c *Client) GetAllCoins(ctx context.Context, owner types.Address) ([]types.CoinRef, error) {
	var coins []types.CoinRef
	var cursor interface{}
	for {
		res, err := c.call(ctx, "iotax_getCoins", owner.String(), nil, cursor, coinPageSize)
		if err != nil {
			return nil, err
		}
		for _, item := range res.Get("data").Array() {
			coin, err := coinFromJSON(item)
			if err != nil {
				return nil, err
			}
			coins = append(coins, coin)
		}
		if !res.Get("hasNextPage").Bool() {
			break
		}
		next := res.Get("nextCursor").String()
		if next == "" {
			break
		}
		cursor = next
	}
	return coins, nil
}

func coinFromJSON(item gjson.Result) (types.CoinRef, error) {
	id, err := types.ParseAddress(item.Get("coinObjectId").String())
	if err != nil {
		return types.CoinRef{}, errs.Wrap(errs.KindLedgerUnavailable, err, "coin object id")
	}
	return types.CoinRef{
		ObjectID: id,
		Version:  item.Get("version").Uint(),
		Digest:   item.Get("digest").String(),
		Balance:  item.Get("balance").Uint(),
	}, nil
}

// ReferenceGasPrice returns the current epoch gas price, cached for a
// minute.
func (c *Client) ReferenceGasPrice(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.gasPrice > 0 && time.Since(c.gasPriceAt) < time.Minute {
		price := c.gasPrice
		c.mu.Unlock()
		return price, nil
	}
	c.mu.Unlock()

	res, err := c.call(ctx, "iotax_getReferenceGasPrice")
	if err != nil {
		return 0, err
	}
	price := res.Uint()
	if price == 0 {
		return 0, errs.Newf(errs.KindLedgerUnavailable, "node reported zero gas price")
	}
	c.mu.Lock()
	c.gasPrice, c.gasPriceAt = price, time.Now()
	c.mu.Unlock()
	return price, nil
}

// ObjectSnapshot is an object's current ref plus ownership, as far as
// the node knows it.
type ObjectSnapshot struct {
	Ref    types.CoinRef
	Owner  types.Address
	Exists bool
}

// MultiGetObjects fetches current snapshots for ids, chunked to the
// node's multi-get limit.
func (c *Client) MultiGetObjects(ctx context.Context, ids []types.ObjectID) ([]ObjectSnapshot, error) {
	snapshots := make([]ObjectSnapshot, 0, len(ids))
	for start := 0; start < len(ids); start += multiGetChunk {
		end := start + multiGetChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			chunk = append(chunk, id.String())
		}
		res, err := c.call(ctx, "iota_multiGetObjects", chunk,
			map[string]bool{"showOwner": true, "showContent": true})
		if err != nil {
			return nil, err
		}
		for _, item := range res.Array() {
			snapshots = append(snapshots, snapshotFromJSON(item))
		}
	}
	return snapshots, nil
}

// GetObject fetches one object snapshot.
func (c *Client) GetObject(ctx context.Context, id types.ObjectID) (ObjectSnapshot, error) {
	res, err := c.call(ctx, "iota_getObject", id.String(),
		map[string]bool{"showOwner": true, "showContent": true})
	if err != nil {
		return ObjectSnapshot{}, err
	}
	return snapshotFromJSON(res), nil
}

func snapshotFromJSON(item gjson.Result) ObjectSnapshot {
	data := item.Get("data")
	if !data.Exists() {
		return ObjectSnapshot{}
	}
	snap := ObjectSnapshot{Exists: true}
	if id, err := types.ParseAddress(data.Get("objectId").String()); err == nil {
		snap.Ref.ObjectID = id
	}
	snap.Ref.Version = data.Get("version").Uint()
	snap.Ref.Digest = data.Get("digest").String()
	snap.Ref.Balance = data.Get("content.fields.balance").Uint()
	if owner := data.Get("owner.AddressOwner").String(); owner != "" {
		if addr, err := types.ParseAddress(owner); err == nil {
			snap.Owner = addr
		}
	}
	return snap
}

// WaitForObjectVersion polls until the node serves id at version or
// newer. The context bounds the wait.
func (c *Client) WaitForObjectVersion(ctx context.Context, id types.ObjectID, version uint64) error {
	ticker := time.NewTicker(objectPollEvery)
	defer ticker.Stop()
	for {
		snap, err := c.GetObject(ctx, id)
		if err == nil && snap.Exists && snap.Ref.Version >= version {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindLedgerUnavailable, ctx.Err(),
				"waiting for object %s at version %d", id, version)
		case <-ticker.C:
		}
	}
}

// DryRun simulates the transaction and returns its would-be effects.
func (c *Client) DryRun(ctx context.Context, txBytesB64 string) (*Effects, error) {
	res, err := c.call(ctx, "iota_dryRunTransactionBlock", txBytesB64)
	if err != nil {
		return nil, err
	}
	return ParseEffects(res.Get("effects"))
}

// DevInspect estimates effects for a bare transaction kind without
// owning any of the inputs.
func (c *Client) DevInspect(ctx context.Context, sender types.Address, kindBytesB64 string) (*Effects, error) {
	res, err := c.call(ctx, "iota_devInspectTransactionBlock", sender.String(), kindBytesB64, nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseEffects(res.Get("effects"))
}

// Execute submits the signed transaction and waits for the effects
// certificate. Retries are safe: resubmitting identical bytes yields
// the same digest.
func (c *Client) Execute(ctx context.Context, txBytesB64 string, signatures []string) (*Effects, error) {
	res, err := c.call(ctx, "iota_executeTransactionBlock", txBytesB64, signatures,
		map[string]bool{"showEffects": true}, "WaitForEffectsCert")
	if err != nil {
		return nil, err
	}
	effects, err := ParseEffects(res.Get("effects"))
	if err != nil {
		return nil, err
	}
	if effects.TransactionDigest == "" {
		effects.TransactionDigest = res.Get("digest").String()
	}
	return effects, nil
}
