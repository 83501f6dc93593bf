package cart

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// publisher is the subset of *amqp.Channel used here.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes signals to a RabbitMQ exchange.
type AMQPNotifier struct {
	// amqp channels are not safe for concurrent publishing.
	mu         sync.Mutex
	ch         publisher
	conn       *amqp.Connection
	exchange   string
	routingKey string
	now        func() time.Time
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange, routingKey string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %q", exchange)
	}

	n := newAMQPNotifier(ch, exchange, routingKey)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange, routingKey string) *AMQPNotifier {
	return &AMQPNotifier{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		now:        time.Now,
	}
}

func (n *AMQPNotifier) NotifyCartClear(ctx context.Context, clientID, orderID string) error {
	ctx, span := tracer.Start(ctx, "publish "+n.exchange,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(n.exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(n.routingKey),
		),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{"client_id": clientID}
	for k, v := range carrier {
		headers[k] = v
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    orderID,
		Timestamp:    n.now().UTC(),
		Type:         EventType,
		Headers:      headers,
		Body:         encodeSignal(clientID, orderID, n.now()),
	}

	n.mu.Lock()
	err := n.ch.Publish(n.exchange, n.routingKey, false, false, msg)
	n.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "publish cart signal")
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if err := n.ch.Close(); err != nil {
		return errors.Wrap(err, "close amqp channel")
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
