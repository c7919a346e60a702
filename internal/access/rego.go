package access

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/open-policy-agent/opa/rego"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// RegoLocation identifies where a rego module is fetched from.
type RegoLocation string

const (
	RegoFromFile  RegoLocation = "file"
	RegoFromRedis RegoLocation = "redis"
	RegoFromHTTP  RegoLocation = "http"
)

const (
	regoFetchTimeout = 30 * time.Second
	regoRefreshTTL   = 5 * time.Minute
)

// RegoExpression is a rule predicate evaluated by the OPA engine. The
// module source is fetched from a file, a redis key, or an HTTP URL and
// compiled; the compile is re-fetched in the background once it is
// older than the refresh TTL, and Reload on the controller re-fetches
// it immediately.
type RegoExpression struct {
	LocationType RegoLocation `yaml:"location-type"`
	URL          string       `yaml:"url"`
	RedisKey     string       `yaml:"redis-key"`
	RegoRulePath string       `yaml:"rego-rule-path"`

	mu         sync.RWMutex
	prepared   *rego.PreparedEvalQuery
	fetchedAt  time.Time
	refreshing bool
}

func (r *RegoExpression) validate() error {
	switch r.LocationType {
	case RegoFromFile, RegoFromHTTP:
		if r.URL == "" {
			return fmt.Errorf("rego-expression with location-type %s requires url", r.LocationType)
		}
	case RegoFromRedis:
		if r.RedisKey == "" {
			return fmt.Errorf("rego-expression with location-type redis requires redis-key")
		}
	default:
		return fmt.Errorf("unknown rego location-type %q", r.LocationType)
	}
	if r.RegoRulePath == "" {
		return fmt.Errorf("rego-expression requires rego-rule-path")
	}
	return nil
}

func (r *RegoExpression) queryPath() string {
	if strings.HasPrefix(r.RegoRulePath, "data.") {
		return r.RegoRulePath
	}
	return "data." + r.RegoRulePath
}

// prepare fetches the module source and compiles the query.
func (r *RegoExpression) prepare(ctx context.Context, f *regoFetcher) error {
	src, err := f.fetch(ctx, r)
	if err != nil {
		return err
	}
	pq, err := rego.New(
		rego.Query(r.queryPath()),
		rego.Module("rule.rego", src),
	).PrepareForEval(ctx)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "compile rego rule %s", r.RegoRulePath)
	}
	r.mu.Lock()
	r.prepared = &pq
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// maybeRefresh starts a background re-fetch once the compiled module is
// older than the refresh TTL. Evaluation keeps the previous compile
// until the new one lands; a failed fetch leaves it in place until the
// next TTL lapse.
func (r *RegoExpression) maybeRefresh(f *regoFetcher, log *logger.Logger) {
	r.mu.Lock()
	if r.refreshing || time.Since(r.fetchedAt) < regoRefreshTTL {
		r.mu.Unlock()
		return
	}
	r.refreshing = true
	r.mu.Unlock()
	go func() {
		if err := r.prepare(context.Background(), f); err != nil {
			log.WithError(err).WithField("rule", r.RegoRulePath).
				Warnf("rego refresh failed, keeping the previous module")
		}
		r.mu.Lock()
		r.refreshing = false
		r.fetchedAt = time.Now()
		r.mu.Unlock()
	}()
}

// Eval runs the compiled query against input and reports whether the
// rule evaluated to true.
func (r *RegoExpression) Eval(ctx context.Context, input map[string]interface{}) (bool, error) {
	r.mu.RLock()
	pq := r.prepared
	r.mu.RUnlock()
	if pq == nil {
		return false, errs.Newf(errs.KindInternal, "rego rule %s is not loaded", r.RegoRulePath)
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, err, "evaluate rego rule %s", r.RegoRulePath)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	matched, ok := rs[0].Expressions[0].Value.(bool)
	return ok && matched, nil
}

// regoFetcher retrieves rego module sources.
type regoFetcher struct {
	redis redis.UniversalClient
	http  *http.Client
}

func (f *regoFetcher) fetch(ctx context.Context, r *RegoExpression) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, regoFetchTimeout)
	defer cancel()
	switch r.LocationType {
	case RegoFromFile:
		raw, err := os.ReadFile(r.URL)
		if err != nil {
			return "", errs.Wrap(errs.KindInternal, err, "read rego file %s", r.URL)
		}
		return string(raw), nil
	case RegoFromRedis:
		if f.redis == nil {
			return "", errs.Newf(errs.KindInternal, "no redis client for rego key %s", r.RedisKey)
		}
		src, err := f.redis.Get(ctx, r.RedisKey).Result()
		if err != nil {
			return "", errs.Wrap(errs.KindStoreUnavailable, err, "read rego key %s", r.RedisKey)
		}
		return src, nil
	case RegoFromHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
		if err != nil {
			return "", errs.Wrap(errs.KindInternal, err, "build rego fetch %s", r.URL)
		}
		client := f.http
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", errs.Wrap(errs.KindInternal, err, "fetch rego from %s", r.URL)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", errs.Newf(errs.KindInternal, "fetch rego from %s: status %d", r.URL, resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", errs.Wrap(errs.KindInternal, err, "read rego body from %s", r.URL)
		}
		return string(raw), nil
	}
	return "", errs.Newf(errs.KindInternal, "unknown rego location-type %q", r.LocationType)
}
