package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultPort        = 5672
	DefaultDialTimeout = 10 * time.Second
	DefaultHeartbeat   = 10 * time.Second
)

// AMQPConfig is the endpoint the AMQPDialer connects to.
type AMQPConfig struct {
	Hostname    string
	Port        int
	Username    string
	Password    string
	Vhost       string
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// ConnectionName is shown in the broker management UI.
	ConnectionName string
}

// Addr is host:port, without credentials. Safe to log.
func (c AMQPConfig) Addr() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Hostname, strconv.Itoa(port))
}

func (c AMQPConfig) uri() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	vhost := c.Vhost
	if vhost == "" {
		vhost = "/"
	}
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Hostname,
		Port:     port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    vhost,
	}
	return u.String()
}

// AMQPDialer dials RabbitMQ (AMQP 0-9-1) with amqp091-go.
type AMQPDialer struct {
	cfg AMQPConfig
}

func NewAMQPDialer(cfg AMQPConfig) *AMQPDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &AMQPDialer{cfg: cfg}
}

func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	timeout := d.cfg.DialTimeout
	props := amqp.NewConnectionProperties()
	if d.cfg.ConnectionName != "" {
		props.SetClientConnectionName(d.cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(d.cfg.uri(), amqp.Config{
		Heartbeat:  d.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			nd := net.Dialer{Timeout: timeout}
			c, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bounds the handshake; the client clears it once open.
			if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Addr(), err)
	}
	return &amqpConn{conn: conn}, nil
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &amqpChannel{ch: ch, done: make(chan struct{})}, nil
}

func (c *amqpConn) NotifyClose() <-chan error {
	return forwardClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)))
}

func (c *amqpConn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch   *amqp.Channel
	done chan struct{}
	once sync.Once
}

func (c *amqpChannel) Consume(queue string, prefetch int) (<-chan Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	src, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range src {
			select {
			case out <- Delivery{Body: d.Body, Ack: func() error { return d.Ack(false) }}:
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return forwardClose(c.ch.NotifyClose(make(chan *amqp.Error, 1)))
}

func (c *amqpChannel) NotifyCancel() <-chan string {
	return c.ch.NotifyCancel(make(chan string, 1))
}

func (c *amqpChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// forwardClose converts an amqp close notification into a plain error
// channel. A graceful close yields nil.
func forwardClose(src chan *amqp.Error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		if e, ok := <-src; ok && e != nil {
			out <- e
		}
	}()
	return out
}
