package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/presets"
)

const usage = `usage: warplock [flags] <command> <lock name>

commands:
  status        print whether the lock is held and its remaining lease
  force-unlock  delete the lock whatever its owner
  hold          acquire the lock and hold it until -for elapses or interrupted

flags:
`

type config struct {
	backend     string
	redisURL    string
	natsURL     string
	bucket      string
	keyPrefix   string
	lease       time.Duration
	wait        time.Duration
	holdFor     time.Duration
	metricsAddr string
	trace       bool
	verbose     bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseFlags(args []string, stderr io.Writer) (*config, []string, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("warplock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.backend, "backend", envOr("WARPLOCK_BACKEND", "redis"), "lock store: redis or nats")
	fs.StringVar(&cfg.redisURL, "redis-url", envOr("WARPLOCK_REDIS_URL", "redis://localhost:6379/0"), "Redis URL")
	fs.StringVar(&cfg.natsURL, "nats-url", envOr("WARPLOCK_NATS_URL", "nats://localhost:4222"), "NATS URL")
	fs.StringVar(&cfg.bucket, "bucket", lock.DefaultNATSBucket, "JetStream key-value bucket")
	fs.StringVar(&cfg.keyPrefix, "key-prefix", lock.DefaultKeyPrefix, "lock key prefix")
	fs.DurationVar(&cfg.lease, "lease", 0, "fixed lease for hold; zero renews the default lease")
	fs.DurationVar(&cfg.wait, "wait", 0, "how long hold waits for a busy lock; zero waits forever")
	fs.DurationVar(&cfg.holdFor, "for", 10*time.Second, "how long hold keeps the lock; zero until interrupted")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.trace, "trace", false, "print OpenTelemetry spans to stdout")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return nil, nil, errors.New("expected a command and a lock name")
	}
	return cfg, fs.Args(), nil
}

func connect(cfg *config, opts ...lock.Option) (*presets.Client, error) {
	opts = append(opts, lock.WithKeyPrefix(cfg.keyPrefix))
	switch cfg.backend {
	case "redis":
		return presets.NewRedis(presets.RedisOptions{URL: cfg.redisURL}, opts...)
	case "nats":
		return presets.NewNATS(presets.NATSOptions{URL: cfg.natsURL, Bucket: cfg.bucket}, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	command, name := rest[0], rest[1]

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if cfg.trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if cfg.metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		srv := &http.Server{Addr: cfg.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	client, err := connect(cfg, lock.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	switch command {
	case "status":
		return status(ctx, client, name, stdout)
	case "force-unlock":
		removed, err := client.ForceUnlock(ctx, name)
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(stdout, "%s: force-unlocked\n", name)
		} else {
			fmt.Fprintf(stdout, "%s: was not locked\n", name)
		}
		return nil
	case "hold":
		return hold(ctx, client, cfg, name, stdout)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func status(ctx context.Context, client *presets.Client, name string, stdout io.Writer) error {
	m := client.NewMutex(name)
	locked, err := m.IsLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		fmt.Fprintf(stdout, "%s: free\n", name)
		return nil
	}
	remaining, err := m.RemainingLease(ctx)
	if err != nil {
		return err
	}
	if remaining < 0 {
		fmt.Fprintf(stdout, "%s: locked, no expiry\n", name)
	} else {
		fmt.Fprintf(stdout, "%s: locked, lease %s left\n", name, remaining.Round(time.Millisecond))
	}
	return nil
}

func hold(ctx context.Context, client *presets.Client, cfg *config, name string, stdout io.Writer) error {
	m := client.NewMutex(name)
	var (
		ok  bool
		err error
	)
	switch {
	case cfg.wait > 0 && cfg.lease > 0:
		ok, err = m.TryLockWaitLease(ctx, cfg.wait, cfg.lease)
	case cfg.wait > 0:
		ok, err = m.TryLockWait(ctx, cfg.wait)
	case cfg.lease > 0:
		ok, err = true, m.LockWithLease(ctx, cfg.lease)
	default:
		ok, err = true, m.Lock(ctx)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: still busy after %s", name, cfg.wait)
	}
	fmt.Fprintf(stdout, "%s: acquired as %s\n", name, m.Owner())

	var timeout <-chan time.Time
	if cfg.holdFor > 0 {
		t := time.NewTimer(cfg.holdFor)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-timeout:
	case <-ctx.Done():
	}

	if err := m.Unlock(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: released\n", name)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("warplock: %v", err)
	}
}
