package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/status_relay/internal/auth"
	"github.com/austindbirch/status_relay/internal/config"
	"github.com/austindbirch/status_relay/internal/db"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/receipts"
	"github.com/austindbirch/status_relay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("statusrelay-relay")
	logging.SetDefaultService("statusrelay-relay")

	shutdown, err := tracing.InitTracing(ctx, "statusrelay-relay")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	var d deps

	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		d.DB = pool
		d.Pinger = pool
	}

	var producer *nsq.Producer
	if cfg.NSQ.Enabled && cfg.Delivery.PublishDLQ {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		d.DeadLetters = delivery.NewNSQDeadLetters(producer, cfg.NSQ.DLQTopic)
	}

	if cfg.Auth.Enabled {
		d.Validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator setup failed")
		}
	}

	reg := newRegistry()
	r, err := buildRelay(ctx, cfg, logger, reg, d)
	if err != nil {
		logger.Plain().WithError(err).Fatal("relay setup failed")
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go r.memory.Janitor(janitorCtx, cfg.Memory.SweepInterval)

	// Live receipts
	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		conf := nsq.NewConfig()
		conf.MaxInFlight = 200
		consumer, err = nsq.NewConsumer(cfg.NSQ.ReceiptsTopic, cfg.NSQ.ReceiptsChannel, conf)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.AddHandler(receipts.NewHandler(r.service, logger))

		// Connecting directly to nsqd creates the channel before the first receipt arrives
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	// gRPC health
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if d.Validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(d.Validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatalf("gRPC listen on %s failed", cfg.GRPCPort)
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("relay gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: r.handler}
	go func() {
		logger.Plain().Infof("relay HTTP listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"transport":  cfg.Transport.BaseURL,
		"durable":    cfg.DB.Enabled,
		"nsq":        cfg.NSQ.Enabled,
		"auth":       cfg.Auth.Enabled,
		"ladder":     cfg.Planner.Ladder,
		"max_tries":  cfg.Delivery.MaxAttempts,
		"dlq_enable": cfg.Delivery.PublishDLQ,
	}).Info("relay service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	hs.Shutdown()
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	_ = httpSrv.Shutdown(context.Background())
	r.queue.Close()
	grpcSrv.GracefulStop()
	logger.Plain().Info("relay service stopped")
}
