package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/receipts"
	"github.com/austindbirch/status_relay/internal/transport"
)

// behavior scripts how the fake transport misbehaves.
type behavior struct {
	FailFirstN          int64         // first N sends fail with 503
	MaxRecipients       int           // sends above this time out; 0 disables
	BaseLatency         time.Duration // per send
	LatencyPerRecipient time.Duration
	ViewRate            float64 // share of recipients that view each post

	sends atomic.Int64
}

func behaviorFromEnv() *behavior {
	return &behavior{
		FailFirstN:          int64(getEnvInt("FAIL_FIRST_N", 0)),
		MaxRecipients:       getEnvInt("MAX_RECIPIENTS", 0),
		BaseLatency:         getEnvDuration("BASE_LATENCY", 200*time.Millisecond),
		LatencyPerRecipient: getEnvDuration("LATENCY_PER_RECIPIENT", time.Millisecond),
		ViewRate:            getEnvFloat("VIEW_RATE", 0.5),
	}
}

func (b *behavior) latency(c transport.Call) time.Duration {
	if c.Op != "send" {
		return b.BaseLatency
	}
	return b.BaseLatency + time.Duration(len(c.Options.Recipients))*b.LatencyPerRecipient
}

func (b *behavior) fail(c transport.Call) error {
	if c.Op != "send" {
		return nil
	}
	if n := b.sends.Add(1); n <= b.FailFirstN {
		return &transport.Error{Op: "send", StatusCode: http.StatusServiceUnavailable, Reason: "temporary failure"}
	}
	if b.MaxRecipients > 0 && len(c.Options.Recipients) > b.MaxRecipients {
		return &transport.Error{Op: "send", StatusCode: http.StatusGatewayTimeout, Reason: "timeout"}
	}
	return nil
}

// receiptsFor fabricates the engagement a send would attract: every recipient
// acknowledges delivery and the first ViewRate share of them view the post.
func (b *behavior) receiptsFor(c transport.Call) []engagement.Receipt {
	viewers := int(float64(len(c.Options.Recipients)) * b.ViewRate)
	out := make([]engagement.Receipt, 0, len(c.Options.Recipients)+viewers)
	for i, rcpt := range c.Options.Recipients {
		out = append(out, engagement.Receipt{
			MessageID: c.MessageID, Participant: rcpt, Kind: engagement.KindDelivered, At: c.At,
		})
		if i < viewers {
			out = append(out, engagement.Receipt{
				MessageID: c.MessageID, Participant: rcpt, Kind: engagement.KindViewed, At: c.At.Add(time.Second),
			})
		}
	}
	return out
}

type receiptSink interface {
	Publish(ctx context.Context, sessionID string, r engagement.Receipt) error
}

// newSimulator wires the behavior into a Simulator. Generated receipts are kept
// as history and pushed to sink when one is configured.
func newSimulator(b *behavior, sink receiptSink, log *logging.Logger) *transport.Simulator {
	var sim *transport.Simulator
	sim = transport.NewSimulator(transport.SimOptions{
		Latency: b.latency,
		Fail:    b.fail,
		OnSend: func(c transport.Call) {
			rs := b.receiptsFor(c)
			sim.AddHistory(c.MessageID, rs...)
			if sink == nil {
				return
			}
			for _, r := range rs {
				if err := sink.Publish(context.Background(), c.SessionID, r); err != nil {
					log.Plain().WithSession(c.SessionID).WithMessage(c.MessageID).WithError(err).Warn("receipt publish failed")
					return
				}
			}
		},
	})
	return sim
}

func main() {
	log := logging.New("statusrelay-fake-transport")
	logging.SetDefaultService("statusrelay-fake-transport")
	b := behaviorFromEnv()

	var sink receiptSink
	if addr := os.Getenv("NSQD_TCP_ADDR"); addr != "" {
		producer, err := nsq.NewProducer(addr, nsq.NewConfig())
		if err != nil {
			log.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		sink = receipts.NewPublisher(producer, getEnv("NSQ_RECEIPTS_TOPIC", "receipts"))
	}

	srv := &http.Server{
		Addr:    ":" + getEnv("PORT", "8081"),
		Handler: transport.NewServer(newSimulator(b, sink, log), log),
	}

	go func() {
		log.Plain().WithFields(map[string]any{
			"addr":           srv.Addr,
			"fail_first_n":   b.FailFirstN,
			"max_recipients": b.MaxRecipients,
			"view_rate":      b.ViewRate,
		}).Info("fake transport listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Plain().WithError(err).Fatal("fake transport HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	_ = srv.Shutdown(context.Background())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
