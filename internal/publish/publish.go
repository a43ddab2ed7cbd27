// Package publish announces finalized batch summaries on an AMQP exchange so
// the orchestrator can decide on notification, archival and downstream runs.
package publish

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/perf-recon/internal/model"
)

// MessageType tags summary messages.
const MessageType = "recon.batch.completed"

const publishTimeout = 5 * time.Second

// Message is the JSON body published for a finalized batch.
type Message struct {
	Type        string                  `json:"type"`
	BatchID     string                  `json:"batch_id"`
	Status      model.BatchStatus       `json:"status"`
	Summary     model.ProcessingSummary `json:"summary"`
	PublishedAt time.Time               `json:"published_at"`
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config names the exchange and routing key summaries are sent to.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher sends summary messages to a durable direct exchange.
type Publisher struct {
	conn       *amqp.Connection
	ch         Channel
	exchange   string
	routingKey string
	now        func() time.Time
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "publish: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "publish: open channel")
	}

	p, err := NewWithChannel(ch, cfg.Exchange, cfg.RoutingKey)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel builds a publisher on an open channel and declares the
// exchange.
func NewWithChannel(ch Channel, exchange, routingKey string) (*Publisher, error) {
	if exchange == "" {
		return nil, eris.New("publish: exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "publish: declare exchange %s", exchange)
	}
	return &Publisher{ch: ch, exchange: exchange, routingKey: routingKey, now: time.Now}, nil
}

// PublishSummary publishes a persistent JSON message for the summary.
func (p *Publisher) PublishSummary(ctx context.Context, summary *model.ProcessingSummary) error {
	msg := Message{
		Type:        MessageType,
		BatchID:     summary.BatchID,
		Status:      summary.OverallStatus,
		Summary:     *summary,
		PublishedAt: p.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "publish: marshal summary")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    summary.BatchID,
		Type:         MessageType,
		Timestamp:    msg.PublishedAt,
		Body:         body,
	})
	if err != nil {
		return eris.Wrapf(err, "publish: batch %s", summary.BatchID)
	}

	zap.L().Info("publish: summary sent",
		zap.String("component", "publish"),
		zap.String("batch_id", summary.BatchID),
		zap.String("status", string(summary.OverallStatus)),
		zap.String("exchange", p.exchange),
	)
	return nil
}

// Close closes the channel and, when dialed, the connection.
func (p *Publisher) Close() error {
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = eris.Wrap(err, "publish: close channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = eris.Wrap(err, "publish: close connection")
		}
	}
	return firstErr
}
