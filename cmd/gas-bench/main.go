// Package main is a load generator for a running gas station. The
// default mode hammers /v1/reserve_gas from many concurrent clients and
// lets the reservations expire server side, which exercises the
// reservation path and the expiry sweeper together. The health mode
// probes the operational endpoints instead.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/R3E-Network/gaspool/internal/config"
	"github.com/R3E-Network/gaspool/internal/rpc"
)

const progressEvery = 5 * time.Second

type counters struct {
	requests atomic.Uint64
	failures atomic.Uint64
}

func main() {
	url := flag.String("url", "http://localhost:9527", "Base URL of the station RPC server")
	mode := flag.String("mode", "reserve", "Benchmark mode: reserve or health")
	clients := flag.Int("clients", 100, "Number of concurrent clients")
	runFor := flag.Duration("run-for", 30*time.Second, "Total benchmark duration")
	reserveSecs := flag.Uint64("reserve-duration", 20, "Requested reservation lifetime in seconds")
	budget := flag.Uint64("budget", 1_000_000, "Gas budget per reservation, in nanos")
	auth := flag.String("auth", os.Getenv(config.AuthEnvName), "Bearer secret for the /v1 endpoints")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gas-bench: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hc := &http.Client{Timeout: 30 * time.Second}

	switch *mode {
	case "health":
		if err := checkHealth(ctx, hc, *url, *auth, log); err != nil {
			log.Fatal("health check failed", zap.Error(err))
		}
	case "reserve":
		runReserveBench(ctx, hc, *url, *auth, *clients, *runFor, *budget, *reserveSecs, log)
	default:
		log.Fatal("unknown mode", zap.String("mode", *mode))
	}
}

func runReserveBench(ctx context.Context, hc *http.Client, url, auth string,
	clients int, runFor time.Duration, budget, reserveSecs uint64, log *zap.Logger) {

	log.Info("starting reserve benchmark",
		zap.String("url", url),
		zap.Int("clients", clients),
		zap.Duration("run_for", runFor),
		zap.Uint64("budget", budget),
		zap.Uint64("reserve_duration_secs", reserveSecs))

	benchCtx, cancel := context.WithTimeout(ctx, runFor)
	defer cancel()

	var stats counters
	go reportProgress(benchCtx, &stats, log)

	latCh := make(chan []time.Duration, clients)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lats []time.Duration
			for benchCtx.Err() == nil {
				began := time.Now()
				err := reserveOnce(benchCtx, hc, url, auth, budget, reserveSecs)
				if benchCtx.Err() != nil {
					break
				}
				stats.requests.Add(1)
				if err != nil {
					stats.failures.Add(1)
				} else {
					lats = append(lats, time.Since(began))
				}
			}
			latCh <- lats
		}()
	}
	wg.Wait()
	close(latCh)
	elapsed := time.Since(start)

	var all []time.Duration
	for lats := range latCh {
		all = append(all, lats...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	total := stats.requests.Load()
	failed := stats.failures.Load()
	fields := []zap.Field{
		zap.Uint64("requests", total),
		zap.Uint64("failures", failed),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
		zap.Float64("rps", float64(total)/elapsed.Seconds()),
	}
	if len(all) > 0 {
		fields = append(fields,
			zap.Duration("p50", percentile(all, 0.50)),
			zap.Duration("p90", percentile(all, 0.90)),
			zap.Duration("p99", percentile(all, 0.99)))
	}
	log.Info("benchmark complete", fields...)
}

func reportProgress(ctx context.Context, stats *counters, log *zap.Logger) {
	ticker := time.NewTicker(progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("progress",
				zap.Uint64("requests", stats.requests.Load()),
				zap.Uint64("failures", stats.failures.Load()))
		}
	}
}

// percentile reads from a sorted slice. p is in (0, 1].
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted))*p) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx].Round(time.Microsecond)
}

func reserveOnce(ctx context.Context, hc *http.Client, url, auth string, budget, reserveSecs uint64) error {
	body, err := json.Marshal(rpc.ReserveGasRequest{
		GasBudget:           budget,
		ReserveDurationSecs: reserveSecs,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/v1/reserve_gas", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out rpc.ReserveGasResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	if out.Result == nil || len(out.Result.GasCoins) == 0 {
		return fmt.Errorf("empty reservation in 200 response")
	}
	return nil
}

// checkHealth probes liveness, version and the authenticated storage
// health check, top to bottom.
func checkHealth(ctx context.Context, hc *http.Client, url, auth string, log *zap.Logger) error {
	body, err := get(ctx, hc, url+"/")
	if err != nil {
		return fmt.Errorf("station unreachable: %w", err)
	}
	log.Info("station alive", zap.String("response", body))

	ver, err := get(ctx, hc, url+"/version")
	if err != nil {
		return fmt.Errorf("version probe: %w", err)
	}
	log.Info("station version", zap.String("version", ver))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/debug_health_check", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+auth)
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("end-to-end probe: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("end-to-end probe: status %d: %s", resp.StatusCode, raw)
	}
	log.Info("storage healthy")
	return nil
}

func get(ctx context.Context, hc *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return string(raw), nil
}
