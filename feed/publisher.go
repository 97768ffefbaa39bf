// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package feed publishes finished investigations to an AMQP exchange.
package feed

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NeowayLabs/wabbit"
	"github.com/cenkalti/backoff/v4"
	origamqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// RoutingKey is used for all published entries.
const RoutingKey = "scanwatch"

// SensorID is a unique string identifier for the publishing host.
var SensorID string

func init() {
	var err error
	SensorID, err = getSensorID()
	if err != nil {
		log.Fatal(err)
	}
}

func getSensorID() (string, error) {
	if _, err := os.Stat("/etc/machine-id"); os.IsNotExist(err) {
		return os.Hostname()
	}
	b, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return os.Hostname()
	}
	return strings.TrimSpace(string(b)), nil
}

const (
	amqpReconnDelay    = 2 * time.Second
	amqpMaxReconnDelay = time.Minute
)

// Publisher sends JSON data to an endpoint.
type Publisher interface {
	Publish(jsonData []byte) error
	Finish()
}

// Dialer opens a connection to url and names the exchange type to declare.
type Dialer func(url string) (wabbit.Conn, string, error)

// AMQPPublisher sends entries to a RabbitMQ exchange.
type AMQPPublisher struct {
	URL              string
	User             string
	Exchange         string
	Verbose          bool
	Conn             wabbit.Conn
	Channel          wabbit.Channel
	StopReconnection chan bool
	ChanMutex        sync.Mutex
	ConnMutex        sync.Mutex
	ErrorChan        chan wabbit.Error
	Reconnector      Dialer
}

func (s *AMQPPublisher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = amqpReconnDelay
	b.MaxInterval = amqpMaxReconnDelay
	b.MaxElapsedTime = 0
	return b
}

func reconnectOnFailure(s *AMQPPublisher) {
	for {
		select {
		case <-s.StopReconnection:
			return
		case rabbitErr, ok := <-s.ErrorChan:
			if !ok {
				return
			}
			if rabbitErr == nil {
				continue
			}
			log.Warnf("RabbitMQ connection failed: %s", rabbitErr.Reason())
			b := s.newBackOff()
			for {
				select {
				case <-s.StopReconnection:
					return
				case <-time.After(b.NextBackOff()):
				}
				if connErr := s.connect(); connErr != nil {
					log.Warnf("RabbitMQ error: %s", connErr)
					continue
				}
				log.Infof("Reestablished connection to %s", s.URL)
				s.ErrorChan = make(chan wabbit.Error, 1)
				s.ConnMutex.Lock()
				s.Conn.NotifyClose(s.ErrorChan)
				s.ConnMutex.Unlock()
				break
			}
		}
	}
}

func (s *AMQPPublisher) connect() error {
	var err error
	var exchangeType string

	s.ConnMutex.Lock()
	s.Conn, exchangeType, err = s.Reconnector(s.URL)
	s.ConnMutex.Unlock()
	if err != nil {
		return err
	}
	s.ChanMutex.Lock()
	s.Channel, err = s.Conn.Channel()
	s.ChanMutex.Unlock()
	if err != nil {
		s.ConnMutex.Lock()
		s.Conn.Close()
		s.ConnMutex.Unlock()
		return err
	}
	err = s.Channel.ExchangeDeclare(
		s.Exchange,   // name
		exchangeType, // type
		wabbit.Option{
			"durable":    true,
			"autoDelete": false,
			"internal":   false,
			"noWait":     false,
		},
	)
	if err != nil {
		s.ChanMutex.Lock()
		s.Channel.Close()
		s.ChanMutex.Unlock()
		s.ConnMutex.Lock()
		s.Conn.Close()
		s.ConnMutex.Unlock()
		return err
	}
	log.Debugf("Publisher established connection to %s", s.URL)

	return nil
}

// MakeAMQPPublisher creates a new publisher connected to a RabbitMQ server
// at the given URL, using the reconnector function to obtain a connection.
func MakeAMQPPublisher(amqpURI string, amqpUser string, amqpPass string,
	amqpExch string, verbose bool, reconnector Dialer) (*AMQPPublisher, error) {

	p := &AMQPPublisher{
		URL:              "amqp://" + amqpUser + ":" + amqpPass + "@" + amqpURI + "/",
		Verbose:          verbose,
		Reconnector:      reconnector,
		User:             amqpUser,
		Exchange:         amqpExch,
		StopReconnection: make(chan bool),
	}
	if verbose {
		log.Debugf("Initial connection to %s...", p.URL)
	}

	p.ErrorChan = make(chan wabbit.Error, 1)
	err := p.connect()
	if err != nil {
		return nil, err
	}
	p.Conn.NotifyClose(p.ErrorChan)

	go reconnectOnFailure(p)

	return p, nil
}

// Publish sends the jsonData payload via the registered RabbitMQ connection.
func (s *AMQPPublisher) Publish(jsonData []byte) error {
	s.ChanMutex.Lock()
	err := s.Channel.Publish(
		s.Exchange, // exchange
		RoutingKey, // routing key
		jsonData,
		wabbit.Option{
			"contentType": "application/json",
			"headers": origamqp.Table{
				"sensor_id": SensorID,
			},
		})
	s.ChanMutex.Unlock()
	if err == nil {
		if s.Verbose {
			log.Debugf("RabbitMQ submission (%s) successful", s.URL)
		}
	} else {
		log.Warnf("RabbitMQ submission not successful: %s", err.Error())
	}
	return err
}

// Finish cleans up the RMQ connection.
func (s *AMQPPublisher) Finish() {
	close(s.StopReconnection)
	if s.Verbose {
		log.Debugf("Publisher closing connection...")
	}
}

// DummyPublisher is a Publisher that just logs data to a logger.
type DummyPublisher struct {
	l *log.Entry
}

// MakeDummyPublisher returns a new DummyPublisher.
func MakeDummyPublisher() *DummyPublisher {
	return &DummyPublisher{
		l: log.WithFields(log.Fields{
			"publisher": "dummy",
		}),
	}
}

// Publish just logs the JSON data.
func (s *DummyPublisher) Publish(jsonData []byte) error {
	s.l.Info(string(jsonData))
	return nil
}

// Finish is a no-op in this implementation.
func (s *DummyPublisher) Finish() {}
