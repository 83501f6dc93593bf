// Package cart delivers cart-clear signals to the cart subsystem once an
// order is paid. Delivery is at-most-once per applied payment; the cart
// subsystem treats a signal for an already empty cart as a no-op.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("storefront/cart")

// Transports.
const (
	TransportLog   = "log"
	TransportKafka = "kafka"
	TransportAMQP  = "amqp"
)

// EventType is the type field of every published signal.
const EventType = "cart.clear"

// Config selects and configures the signal transport.
type Config struct {
	Transport      string   `default:"log" usage:"Cart signal transport: log, kafka or amqp"`
	KafkaBrokers   []string `usage:"Kafka brokers for cart signals"`
	KafkaTopic     string   `default:"cart.clear" usage:"Kafka topic for cart signals"`
	AMQPURL        string   `usage:"AMQP URL for cart signals" flag:"cart-amqp-url"`
	AMQPExchange   string   `default:"cart" usage:"AMQP exchange for cart signals"`
	AMQPRoutingKey string   `default:"cart.clear" usage:"AMQP routing key for cart signals"`
}

// Notifier publishes cart-clear signals.
type Notifier interface {
	NotifyCartClear(ctx context.Context, clientID, orderID string) error
	Close() error
}

// New builds the notifier selected by cfg.Transport.
func New(cfg Config) (Notifier, error) {
	switch cfg.Transport {
	case "", TransportLog:
		return NewLogNotifier(), nil
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		return NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case TransportAMQP:
		if cfg.AMQPURL == "" {
			return nil, errors.New("amqp url is required")
		}
		return DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	default:
		return nil, errors.Errorf("unknown cart transport %q", cfg.Transport)
	}
}

// encodeSignal renders the wire form shared by all transports.
func encodeSignal(clientID, orderID string, at time.Time) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(EventType)
	e.FieldStart("client_id")
	e.Str(clientID)
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("occurred_at")
	e.Str(at.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}
