package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/status_relay/internal/api"
	"github.com/austindbirch/status_relay/internal/auth"
	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/config"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/health"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
	"github.com/austindbirch/status_relay/internal/perfmem"
	"github.com/austindbirch/status_relay/internal/planner"
	"github.com/austindbirch/status_relay/internal/store"
	"github.com/austindbirch/status_relay/internal/transport"
)

// deps are the external resources a relay is built on. Every field is optional.
type deps struct {
	DB          store.DB      // nil runs without durable storage
	Pinger      health.Pinger // database health; usually the same pool as DB
	DeadLetters delivery.DeadLetterPublisher
	Sessions    transport.Sessions // defaults to the HTTP transport sidecar
	Validator   *auth.JWTValidator // nil leaves the API unauthenticated
}

type relay struct {
	memory  *perfmem.Memory
	queue   *delivery.Queue
	service *broadcast.Service
	handler http.Handler
}

func buildRelay(ctx context.Context, cfg config.Config, log *logging.Logger, reg *prometheus.Registry, d deps) (*relay, error) {
	sessions := d.Sessions
	if sessions == nil {
		sessions = transport.NewHTTPSessions(transport.HTTPOptions{
			BaseURL:          cfg.Transport.BaseURL,
			Timeout:          cfg.Transport.Timeout,
			BreakerFailures:  cfg.Transport.BreakerFailures,
			BreakerResetTime: cfg.Transport.BreakerResetTime,
			Logger:           log,
		})
	}

	memory := perfmem.New(cfg.Memory.FreshnessWindow, perfmem.WithWeight(cfg.Memory.LatencyWeight))

	plan := planner.New(planner.Config{
		Ladder:                   cfg.Planner.Ladder,
		FastThreshold:            cfg.Planner.FastThreshold,
		SlowThreshold:            cfg.Planner.SlowThreshold,
		MinRecipientsForAdaptive: cfg.Planner.MinRecipientsForAdaptive,
		HardCeiling:              cfg.Planner.HardCeiling,
		InterBatchDelay:          cfg.Planner.InterBatchDelay,
	}, sessions, memory, log)

	queue := delivery.NewQueue(plan, delivery.QueueOptions{
		Policy: delivery.RetryPolicy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.RetryBaseDelay,
			MaxDelay:    cfg.Delivery.RetryMaxDelay,
			JitterPct:   cfg.Delivery.JitterPercent,
		},
		DeadLetters: d.DeadLetters,
		Logger:      log,
	})

	opts := broadcast.Options{
		Memory:        memory,
		Address:       cfg.Transport.StatusAddress,
		DefaultServer: cfg.Recipients.DefaultServer,
		HistoryCount:  cfg.Engagement.HistoryCount,
		Logger:        log,
	}
	if d.DB != nil {
		pg := store.NewPostgres(d.DB)
		if err := pg.Migrate(ctx); err != nil {
			queue.Close()
			return nil, err
		}
		opts.Store = pg
		opts.Directory = pg
	}

	agg := engagement.NewAggregator(cfg.Engagement.HistoryTimeout, log)
	svc := broadcast.NewService(queue, agg, sessions, opts)

	var apiHandler http.Handler = api.NewHandler(svc, log)
	if d.Validator != nil {
		apiHandler = d.Validator.HTTPMiddleware(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(d.Pinger, queue))
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/v1/", apiHandler)

	return &relay{memory: memory, queue: queue, service: svc, handler: mux}, nil
}

// newRegistry registers the relay metrics alongside the Go runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
