package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the subset of *amqp.Channel the sender needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes email jobs to a topic exchange; the routing key is the template name.
type AMQPSender struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	now      func() time.Time
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	s := newAMQPSender(ch, exchange)
	s.conn = conn
	return s, nil
}

func newAMQPSender(ch publisher, exchange string) *AMQPSender {
	return &AMQPSender{ch: ch, exchange: exchange, now: time.Now}
}

func (s *AMQPSender) SendEmail(ctx context.Context, template Template, recipient string, vars map[string]string) error {
	msg, err := newMessage(template, recipient, vars, s.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx,
		s.exchange,
		"email."+string(template),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.CreatedAt,
			Body:         body,
		},
	)
}

func (s *AMQPSender) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
