// Package app wires the directory pools, the auth source loader and the reload
// scheduler into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isometry/authsourced/internal/authsource"
	"github.com/isometry/authsourced/internal/config"
	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/registry"
	"github.com/isometry/authsourced/internal/reload"
	"github.com/isometry/authsourced/internal/secrets"
)

const shutdownTimeout = 10 * time.Second

// Initializer owns the process-wide directory state.
type Initializer struct {
	cfg      *config.Config
	registry *registry.Registry
	metrics  *prometheus.Registry

	decrypter    secrets.Decrypter
	reader       authsource.EntryReader
	factoryOpts  []ldap.FactoryOption
	includeGoRun bool

	loader      *authsource.Loader
	scheduler   *reload.Scheduler
	initialized atomic.Bool
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithDecrypter overrides the decrypter built from the secrets configuration.
func WithDecrypter(d secrets.Decrypter) Option {
	return func(i *Initializer) {
		i.decrypter = d
	}
}

// WithEntryReader overrides how the appliance entry is read. By default it is
// read through the primary lookup pool.
func WithEntryReader(r authsource.EntryReader) Option {
	return func(i *Initializer) {
		i.reader = r
	}
}

// WithFactoryOptions passes options to the connection pool factory.
func WithFactoryOptions(opts ...ldap.FactoryOption) Option {
	return func(i *Initializer) {
		i.factoryOpts = append(i.factoryOpts, opts...)
	}
}

// WithRuntimeMetrics adds Go runtime and process collectors to the metrics registry.
func WithRuntimeMetrics() Option {
	return func(i *Initializer) {
		i.includeGoRun = true
	}
}

// New creates an Initializer for cfg.
func New(cfg *config.Config, opts ...Option) *Initializer {
	i := &Initializer{
		cfg:      cfg,
		registry: registry.New(),
		metrics:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.metrics.MustRegister(newPoolCollector(i.registry))
	if i.includeGoRun {
		i.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return i
}

// Registry returns the configuration registry.
func (i *Initializer) Registry() *registry.Registry {
	return i.registry
}

// Scheduler returns the reload scheduler, nil before Initialize.
func (i *Initializer) Scheduler() *reload.Scheduler {
	return i.scheduler
}

// Initialize builds the primary pools, loads the auth sources once and prepares
// the reload scheduler. Any failure is a *config.ConfigurationError and the
// process should not start.
func (i *Initializer) Initialize(ctx context.Context) error {
	if i.initialized.Load() {
		return errors.New("already initialized")
	}

	start := time.Now()
	tflog.SubsystemInfo(ctx, "app", "Initializing directory connections")

	if i.decrypter == nil {
		d, err := secrets.New(ctx, i.cfg.SecretsConfig())
		if err != nil {
			return &config.ConfigurationError{Reason: "failed to create secrets decrypter", Err: err}
		}
		i.decrypter = d
	}

	factory := ldap.NewFactory(secrets.NewPropertiesDecrypter(i.decrypter), i.factoryOpts...)
	base := i.cfg.ConnectionProperties()

	primary := factory.CreatePoolPair(ctx, base)
	if !primary.OK() {
		_ = primary.Lookup.Close()
		_ = primary.Bind.Close()
		return &config.ConfigurationError{
			Reason: "failed to create primary connection pools",
			Err:    errors.Join(primary.Lookup.Err(), primary.Bind.Err()),
		}
	}
	if err := i.registry.SetPrimary(primary); err != nil {
		return &config.ConfigurationError{Reason: "failed to register primary connection pools", Err: err}
	}

	reader := i.reader
	if reader == nil {
		reader = ldap.NewClient(primary.Lookup)
	}

	i.loader = authsource.NewLoader(reader, i.cfg.Appliance.BaseDN, i.cfg.Appliance.Inum,
		authsource.WithDecrypter(i.decrypter))

	i.scheduler = reload.New(i.loader, factory, i.registry, base,
		reload.WithInitialDelay(i.cfg.Reload.InitialDelay),
		reload.WithInterval(i.cfg.Reload.Interval),
		reload.WithRetireGrace(i.cfg.Reload.RetireGrace),
		reload.WithMetrics(reload.NewMetrics(i.metrics)),
	)

	if err := i.scheduler.Reload(ctx); err != nil {
		return &config.ConfigurationError{Reason: "failed to load auth sources", Err: err}
	}

	smtp, err := i.loader.LoadSMTPConfiguration(ctx)
	if err != nil {
		tflog.SubsystemWarn(ctx, "app", "Failed to load SMTP configuration", map[string]any{
			"error": err.Error(),
		})
	}
	i.registry.SetSMTP(smtp)

	i.initialized.Store(true)
	tflog.SubsystemInfo(ctx, "app", "Directory connections initialized", map[string]any{
		"auth_sources": i.registry.Auxiliary().Len(),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return nil
}

// Handler serves /metrics and /healthz. /healthz reports healthy once
// initialized and while the primary lookup pool answers a root DSE read.
func (i *Initializer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(i.metrics, promhttp.HandlerOpts{Registry: i.metrics}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		primary, ok := i.registry.Primary()
		if !ok || !i.initialized.Load() {
			http.Error(w, "initializing", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), i.cfg.LDAP.ConnectTimeout)
		defer cancel()
		if err := primary.Lookup.HealthCheck(ctx); err != nil {
			tflog.SubsystemWarn(ctx, "app", "Primary directory health check failed", map[string]any{
				"error": err.Error(),
			})
			http.Error(w, "primary directory unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok\nauth_sources %d\n", i.registry.Auxiliary().Len())
	})
	return mux
}

// Run serves HTTP and runs the reload scheduler until ctx is cancelled.
// Initialize must have succeeded.
func (i *Initializer) Run(ctx context.Context) error {
	if !i.initialized.Load() {
		return errors.New("not initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() { i.scheduler.Run(ctx) })

	if !i.cfg.HTTP.Enabled {
		<-ctx.Done()
		return nil
	}

	listener, err := net.Listen("tcp", i.cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", i.cfg.HTTP.Listen, err)
	}

	return i.serve(ctx, listener)
}

func (i *Initializer) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           i.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tflog.SubsystemInfo(ctx, "app", "HTTP listener started", map[string]any{
			"address": listener.Addr().String(),
		})
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	<-errCh
	return nil
}

// Close closes the primary pools, the currently published auxiliary pools and
// any pools still retiring after a reload.
func (i *Initializer) Close() error {
	var errs []error

	if i.scheduler != nil {
		i.scheduler.Close(context.Background())
	}

	if primary, ok := i.registry.Primary(); ok {
		errs = append(errs, primary.Lookup.Close(), primary.Bind.Close())
	}

	if aux := i.registry.Auxiliary(); aux != nil {
		for _, pair := range aux.Pools {
			errs = append(errs, pair.Lookup.Close(), pair.Bind.Close())
		}
	}

	return errors.Join(errs...)
}
