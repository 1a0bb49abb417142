package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const auditQueueName = "gateway.audit"

// Publisher sends audit events to the broker.  It attempts to be robust
// and to never panic; any error is logged and returned so callers can
// ignore failures without interrupting the main request flow.  Disabled
// publishers drop events silently, which keeps every call site
// unconditional.
type Publisher struct {
	url       string
	gatewayID string
	enabled   bool
	log       *zap.Logger
}

func NewPublisher(url, gatewayID string, enabled bool, log *zap.Logger) *Publisher {
	return &Publisher{url: url, gatewayID: gatewayID, enabled: enabled, log: log.Named("audit")}
}

// Publish sends one event to the gateway.audit queue.  Messages are marked
// persistent so they survive broker restarts.
func (p *Publisher) Publish(ctx context.Context, kind, username, sessionID, detail string) error {
	if !p.enabled {
		return nil
	}
	event := AuditEvent{
		Kind:      kind,
		Username:  username,
		SessionID: sessionID,
		GatewayID: p.gatewayID,
		Detail:    detail,
		At:        time.Now().UTC().Format(time.RFC3339),
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warn("dial failed", zap.Error(err))
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn("channel open failed", zap.Error(err))
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		auditQueueName, // name
		true,           // durable
		false,          // autoDelete
		false,          // exclusive
		false,          // noWait
		nil,            // args
	); err != nil {
		p.log.Warn("queue declare failed", zap.Error(err))
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("marshal event failed", zap.Error(err))
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx,
		"",             // default exchange
		auditQueueName, // routing key = queue name
		false,          // mandatory
		false,          // immediate
		pub,
	); err != nil {
		p.log.Warn("publish failed", zap.Error(err))
		return err
	}
	return nil
}
