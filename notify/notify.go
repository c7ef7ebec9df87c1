// Package notify publishes capture-complete events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

// KafkaNotifierConfig configures the capture event publisher.
type KafkaNotifierConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// CaptureEvent is the published payload: which session produced a capture
// and when it triggered.
type CaptureEvent struct {
	Session string `json:"session"`
	Sec     int64  `json:"sec"`
	Fsec    int64  `json:"fsec"`
}

var publishedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_notify",
	Name:      "published_events",
	Help:      "Total number of published capture events.",
})

var publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_notify",
	Name:      "publish_errors",
	Help:      "Total number of capture events that failed to publish.",
})

func init() {
	prometheus.MustRegister(publishedEvents)
	prometheus.MustRegister(publishErrors)
}

// Notifier announces completed capture cycles.
type Notifier interface {
	CaptureComplete(session string, tp waveform.TimePoint)
	Close() error
}

// NullNotifier is the default when no broker is configured.
type NullNotifier struct{}

func (NullNotifier) CaptureComplete(string, waveform.TimePoint) {}
func (NullNotifier) Close() error                               { return nil }

type kafkaNotifier struct {
	config KafkaNotifierConfig
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaNotifier(config KafkaNotifierConfig) Notifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &kafkaNotifier{
		config: config,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: config.Timeout,
		},
		log: zap.L().Sugar().With("service", "kafka-notifier", "topic", config.Topic),
	}
}

// CaptureComplete publishes asynchronously; acquisition must never stall on
// a slow broker.
func (n *kafkaNotifier) CaptureComplete(session string, tp waveform.TimePoint) {
	event := CaptureEvent{Session: session, Sec: tp.Sec, Fsec: tp.Fsec}
	payload, err := json.Marshal(event)
	if err != nil {
		publishErrors.Inc()
		n.log.Errorw("serializing capture event", "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
		defer cancel()
		if err := n.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(session),
			Value: payload,
		}); err != nil {
			publishErrors.Inc()
			n.log.Errorw("publishing capture event", "error", err)
			return
		}
		publishedEvents.Inc()
	}()
}

func (n *kafkaNotifier) Close() error {
	return n.writer.Close()
}
