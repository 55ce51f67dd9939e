package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	mcpv2 "github.com/mcp-orchestration/mcp-v2-go-client"
)

// mcp-loadgen fires concurrent requests at an MCP v2 endpoint and reports
// latency percentiles, throughput and the clients' own metrics snapshots.
// The endpoint and client settings come from MCP_* environment variables,
// the workload shape from LOADGEN_* ones (a .env file in the working
// directory is honored for both). Workers share one client unless
// -per-worker-clients gives each worker its own.

// workload shapes the traffic. When LOADGEN_DURATION is set the run is
// time-boxed and LOADGEN_REQUESTS is ignored.
type workload struct {
	Workers     int           `env:"LOADGEN_WORKERS,default=8"`
	Requests    int           `env:"LOADGEN_REQUESTS,default=100"`
	Duration    time.Duration `env:"LOADGEN_DURATION,default=0s"`
	Method      string        `env:"LOADGEN_METHOD,default=ping"`
	PayloadSize int           `env:"LOADGEN_PAYLOAD_SIZE,default=64"`
}

func main() {
	perWorkerClients := flag.Bool("per-worker-clients", false,
		"Give every worker its own client instead of one shared client")
	flag.Parse()

	_ = godotenv.Load()

	var wl workload
	if err := envdecode.Decode(&wl); err != nil {
		fmt.Fprintln(os.Stderr, "Error: decode workload:", err)
		os.Exit(1)
	}
	if wl.Workers <= 0 {
		fmt.Fprintln(os.Stderr, "Error: LOADGEN_WORKERS must be positive")
		os.Exit(1)
	}
	if wl.Duration <= 0 && wl.Requests <= 0 {
		fmt.Fprintln(os.Stderr, "Error: LOADGEN_REQUESTS must be positive unless LOADGEN_DURATION is set")
		os.Exit(1)
	}
	if wl.PayloadSize < 0 {
		fmt.Fprintln(os.Stderr, "Error: LOADGEN_PAYLOAD_SIZE must not be negative")
		os.Exit(1)
	}

	cfg, err := mcpv2.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	// The snapshots printed at the end need counters regardless of the
	// environment's metrics flag.
	cfg.EnableMetrics = true

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	clients := make([]*mcpv2.Client, 1)
	if *perWorkerClients {
		clients = make([]*mcpv2.Client, wl.Workers)
	}
	for i := range clients {
		cli, err := mcpv2.New(cfg, mcpv2.WithLogger(logger))
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		clients[i] = cli
	}
	clientFor := func(worker int) *mcpv2.Client {
		if *perWorkerClients {
			return clients[worker]
		}
		return clients[0]
	}

	// Live counters fed from the event side rather than from Send return
	// values: error.occurred listeners count failures as they happen, the
	// Events stream counts delivered responses.
	var (
		liveOK     atomic.Int64
		liveFailed atomic.Int64
		streams    sync.WaitGroup
	)
	for _, cli := range clients {
		cli.AddEventListener(mcpv2.EventErrorOccurred, func(mcpv2.Event) {
			liveFailed.Add(1)
		})
		streams.Add(1)
		go func(cli *mcpv2.Client) {
			defer streams.Done()
			for ev := range cli.Events() {
				if ev.Type == mcpv2.EventResponseReceived {
					liveOK.Add(1)
				}
			}
		}(cli)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, cli := range clients {
		if err := cli.Connect(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "Error: connect failed:", err)
			os.Exit(1)
		}
	}

	if wl.Duration > 0 {
		fmt.Printf("Sending %q requests for %s over %s with %d workers (%d clients, %dB payload)...\n",
			wl.Method, wl.Duration, cfg.Transport.Kind, wl.Workers, len(clients), wl.PayloadSize)
	} else {
		fmt.Printf("Sending %d %q requests over %s with %d workers (%d clients, %dB payload)...\n",
			wl.Requests, wl.Method, cfg.Transport.Kind, wl.Workers, len(clients), wl.PayloadSize)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		latencies []time.Duration
		sent      atomic.Int64
		failed    atomic.Int64
	)

	filler := strings.Repeat("x", wl.PayloadSize)
	jobs := make(chan int)
	started := time.Now()

	for w := 0; w < wl.Workers; w++ {
		wg.Add(1)
		go func(cli *mcpv2.Client) {
			defer wg.Done()
			for seq := range jobs {
				sent.Add(1)
				begin := time.Now()
				_, err := cli.Send(ctx, wl.Method, map[string]any{
					"sequence": seq,
					"payload":  filler,
				})
				if err != nil {
					failed.Add(1)
					continue
				}
				elapsed := time.Since(begin)
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}(clientFor(w))
	}

	progressDone := make(chan struct{})
	go func() {
		tick := time.NewTicker(2 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				fmt.Fprintf(os.Stderr, "progress: sent=%d ok=%d failed=%d\n",
					sent.Load(), liveOK.Load(), liveFailed.Load())
			case <-progressDone:
				return
			}
		}
	}()

	var deadline <-chan time.Time
	if wl.Duration > 0 {
		deadline = time.After(wl.Duration)
	}

feed:
	for seq := 0; wl.Duration > 0 || seq < wl.Requests; seq++ {
		select {
		case jobs <- seq:
		case <-deadline:
			break feed
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(progressDone)

	elapsed := time.Since(started)
	printSummary(sent.Load(), latencies, failed.Load(), elapsed)

	for i, cli := range clients {
		metrics := cli.CollectMetrics()
		fmt.Printf("client %d metrics: requests=%v responses=%v errors=%v cache_hits=%v\n",
			i, metrics["requests_total"], metrics["responses_total"],
			metrics["errors_total"], metrics["cache_hits"])
		if err := cli.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "Error: close failed:", err)
		}
	}
	streams.Wait()

	if failed.Load() > 0 {
		os.Exit(1)
	}
}

func printSummary(sent int64, latencies []time.Duration, failed int64, elapsed time.Duration) {
	succeeded := int64(len(latencies))

	fmt.Println()
	fmt.Printf("sent: %d  succeeded: %d  failed: %d  elapsed: %s\n",
		sent, succeeded, failed, elapsed.Round(time.Millisecond))
	if succeeded == 0 {
		return
	}

	fmt.Printf("throughput: %.1f req/s\n", float64(succeeded)/elapsed.Seconds())

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	fmt.Printf("latency: mean=%s p50=%s p95=%s p99=%s max=%s\n",
		(total / time.Duration(succeeded)).Round(time.Microsecond),
		percentile(latencies, 0.50).Round(time.Microsecond),
		percentile(latencies, 0.95).Round(time.Microsecond),
		percentile(latencies, 0.99).Round(time.Microsecond),
		latencies[succeeded-1].Round(time.Microsecond))
}

// percentile picks from a sorted slice by nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
