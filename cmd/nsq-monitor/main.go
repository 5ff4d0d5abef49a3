package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
)

// NSQStats is the part of the nsqd /stats response the monitor reads.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Live receipts not yet merged by the relay
	receiptBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statusrelay_receipt_backlog",
		Help: "Receipts waiting on the relay's channel of the receipts topic",
	})

	deadLetters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "statusrelay_dlq_depth",
		Help: "Messages held in the dead letter topic",
	})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statusrelay_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

type watch struct {
	receiptsTopic   string
	receiptsChannel string
	dlqTopic        string
}

func main() {
	log := logging.New("statusrelay-nsq-monitor")
	logging.SetDefaultService("statusrelay-nsq-monitor")

	nsqdHost := getEnv("NSQD_HOST", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second
	w := watch{
		receiptsTopic:   getEnv("NSQ_RECEIPTS_TOPIC", "receipts"),
		receiptsChannel: getEnv("NSQ_RECEIPTS_CHANNEL", "relay"),
		dlqTopic:        getEnv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(receiptBacklog, deadLetters, channelInflight, metrics.NSQTopicDepth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.update(ctx, client, nsqdHost); err != nil {
					log.Plain().WithError(err).Warn("nsq stats update failed")
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Plain().WithFields(map[string]any{"addr": srv.Addr, "nsqd": nsqdHost, "interval": interval.String()}).
			Info("nsq monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Plain().WithError(err).Fatal("nsq monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	log.Plain().Info("nsq monitor stopped")
	os.Exit(0)
}

func (w watch) update(ctx context.Context, client *http.Client, nsqdHost string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", nsqdHost), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case w.dlqTopic:
			deadLetters.Set(float64(topic.Depth))
		case w.receiptsTopic:
			for _, ch := range topic.Channels {
				if ch.ChannelName == w.receiptsChannel {
					receiptBacklog.Set(float64(ch.Depth))
				}
			}
		default:
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
			channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
