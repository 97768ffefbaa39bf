// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package feed

import (
	"fmt"

	"github.com/NeowayLabs/wabbit"
	log "github.com/sirupsen/logrus"
)

// Consumer reads and processes messages from a RabbitMQ exchange.
type Consumer struct {
	conn     wabbit.Conn
	channel  wabbit.Channel
	tag      string
	done     chan error
	Callback func(wabbit.Delivery)
}

// ConsumerConfig describes the queue a Consumer binds to the exchange.
type ConsumerConfig struct {
	URI          string
	Exchange     string
	ExchangeType string
	Queue        string
	Key          string
	Tag          string
	// Exclusive queues are deleted when the consumer disconnects.
	Exclusive bool
}

// NewConsumer creates a new consumer with the given properties. The callback
// function is called for each delivery accepted from a consumer channel.
func NewConsumer(cfg ConsumerConfig, dial func(string) (wabbit.Conn, error), callback func(wabbit.Delivery)) (*Consumer, error) {
	var err error
	c := &Consumer{
		tag:      cfg.Tag,
		done:     make(chan error),
		Callback: callback,
	}

	log.Debugf("dialing %q", cfg.URI)
	c.conn, err = dial(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	log.Debugf("got Connection, getting Channel")
	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("channel: %w", err)
	}

	log.Debugf("got Channel, declaring Exchange (%q)", cfg.Exchange)
	if err = c.channel.ExchangeDeclare(
		cfg.Exchange,     // name of the exchange
		cfg.ExchangeType, // type
		wabbit.Option{
			"durable":  true,
			"delete":   false,
			"internal": false,
			"noWait":   false,
		},
	); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}

	queue, err := c.channel.QueueDeclare(
		cfg.Queue, // name of the queue
		wabbit.Option{
			"durable":   !cfg.Exclusive,
			"delete":    cfg.Exclusive,
			"exclusive": cfg.Exclusive,
			"noWait":    false,
		},
	)
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	log.Debugf("declared Queue (%q %d messages, %d consumers), binding to Exchange (key %q)",
		queue.Name(), queue.Messages(), queue.Consumers(), cfg.Key)

	if err = c.channel.QueueBind(
		queue.Name(), // name of the queue
		cfg.Key,      // bindingKey
		cfg.Exchange, // sourceExchange
		wabbit.Option{
			"noWait": false,
		},
	); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("queue bind: %w", err)
	}

	log.Debugf("Queue bound to Exchange, starting Consume (consumer tag %q)", c.tag)
	deliveries, err := c.channel.Consume(
		queue.Name(), // name
		c.tag,        // consumerTag,
		wabbit.Option{
			"exclusive": false,
			"noLocal":   false,
			"noWait":    false,
		},
	)
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("queue consume: %w", err)
	}
	go handle(deliveries, c.done, c.Callback)

	return c, nil
}

// Shutdown shuts down a consumer, closing down its channels and connections.
func (c *Consumer) Shutdown() error {
	// will close() the deliveries channel
	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("channel close failed: %w", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %w", err)
	}
	defer log.Debugf("AMQP shutdown OK")
	// wait for handle() to exit
	return <-c.done
}

func handle(deliveries <-chan wabbit.Delivery, done chan error, callback func(wabbit.Delivery)) {
	for d := range deliveries {
		log.Debugf(
			"got %dB delivery: [%v] %q",
			len(d.Body()),
			d.DeliveryTag(),
			d.Body(),
		)
		callback(d)
		d.Ack(false)
	}
	done <- nil
}
