package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds connection and resilience settings for the RabbitMQ client.
type Config struct {
	URL string

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 for infinite
	HeartbeatTimeout  time.Duration

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultConfig returns sane resilience defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:          time.Second,
		MaxReconnectDelay:       60 * time.Second,
		MaxRetries:              -1,
		HeartbeatTimeout:        10 * time.Second,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// RabbitMQClient wraps an AMQP connection with automatic reconnection and
// an optional publish-side circuit breaker. Delivery queues are durable:
// a broker or engine restart must not lose decisions.
type RabbitMQClient struct {
	config Config

	mu              sync.RWMutex
	conn            *amqp.Connection
	ch              *amqp.Channel
	notifyConnClose chan *amqp.Error
	isReconnecting  bool
	isClosed        bool

	cb *circuitBreaker
}

func NewRabbitMQClient(config Config) (*RabbitMQClient, error) {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = 60 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}
	if config.CircuitBreakerThreshold == 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout == 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}

	client := &RabbitMQClient{
		config: config,
		cb: &circuitBreaker{
			threshold: config.CircuitBreakerThreshold,
			timeout:   config.CircuitBreakerTimeout,
		},
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	go client.watchConnection()
	return client, nil
}

func (r *RabbitMQClient) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Printf("Connecting to RabbitMQ at %s", maskURL(r.config.URL))
	conn, err := amqp.DialConfig(r.config.URL, amqp.Config{Heartbeat: r.config.HeartbeatTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	r.conn = conn
	r.ch = ch
	r.notifyConnClose = make(chan *amqp.Error)
	r.conn.NotifyClose(r.notifyConnClose)
	r.isReconnecting = false
	log.Println("Connected to RabbitMQ")
	return nil
}

func (r *RabbitMQClient) watchConnection() {
	r.mu.RLock()
	closed := r.isClosed
	notify := r.notifyConnClose
	r.mu.RUnlock()
	if closed {
		return
	}
	if err := <-notify; err != nil {
		log.Printf("RabbitMQ connection lost: %v, reconnecting", err)
		r.reconnect()
	}
}

func (r *RabbitMQClient) reconnect() {
	r.mu.Lock()
	r.isReconnecting = true
	r.mu.Unlock()

	backoff := r.config.ReconnectDelay
	retries := 0
	for {
		r.mu.RLock()
		closed := r.isClosed
		r.mu.RUnlock()
		if closed {
			return
		}
		if r.config.MaxRetries != -1 && retries >= r.config.MaxRetries {
			log.Println("RabbitMQ reconnect retries exhausted")
			return
		}
		if err := r.connect(); err == nil {
			go r.watchConnection()
			return
		}
		log.Printf("RabbitMQ reconnect failed, next attempt in %v", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > r.config.MaxReconnectDelay {
			backoff = r.config.MaxReconnectDelay
		}
		retries++
	}
}

// DeclareQueue declares a durable queue.
func (r *RabbitMQClient) DeclareQueue(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}
	return r.ch.QueueDeclare(name, true, false, false, false, nil)
}

// DeclareQueueWithDLQ declares a durable queue whose rejected messages
// route to "<name>.dlq".
func (r *RabbitMQClient) DeclareQueueWithDLQ(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}
	dlq := name + ".dlq"
	if _, err := r.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ: %w", err)
	}
	return r.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
}

// Publish sends a JSON body to the named queue.
func (r *RabbitMQClient) Publish(ctx context.Context, queueName string, body []byte) error {
	if r.config.CircuitBreakerEnabled && !r.cb.allow() {
		return fmt.Errorf("circuit breaker is open")
	}

	r.mu.RLock()
	if r.isReconnecting || r.ch == nil {
		r.mu.RUnlock()
		return fmt.Errorf("connection is not available")
	}
	ch := r.ch
	r.mu.RUnlock()

	err := ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if r.config.CircuitBreakerEnabled {
		if err != nil {
			r.cb.recordFailure()
		} else {
			r.cb.recordSuccess()
		}
	}
	return err
}

// Consume runs the handler for each message on the queue until ctx is
// done. Handler errors nack-and-requeue; the broker's DLQ routing handles
// poison messages on queues declared with DeclareQueueWithDLQ.
func (r *RabbitMQClient) Consume(ctx context.Context, queueName string, handler func(body []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r.mu.RLock()
		if r.isReconnecting || r.ch == nil {
			r.mu.RUnlock()
			time.Sleep(time.Second)
			continue
		}
		ch := r.ch
		r.mu.RUnlock()

		msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			log.Printf("Failed to register consumer on %s: %v", queueName, err)
			time.Sleep(2 * time.Second)
			continue
		}

	recv:
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					log.Printf("Consumer channel closed for %s, waiting for reconnection", queueName)
					time.Sleep(r.config.ReconnectDelay)
					break recv
				}
				if err := handler(d.Body); err != nil {
					log.Printf("Error handling message from %s: %v", queueName, err)
					d.Nack(false, false)
				} else {
					d.Ack(false)
				}
			}
		}
	}
}

func (r *RabbitMQClient) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isClosed = true
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *RabbitMQClient) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil && !r.conn.IsClosed() && !r.isReconnecting
}

func maskURL(url string) string {
	if parts := strings.Split(url, "@"); len(parts) > 1 {
		if scheme := strings.Split(parts[0], "://"); len(scheme) == 2 {
			return scheme[0] + "://***:***@" + parts[1]
		}
	}
	return url
}

// circuitBreaker protects the broker from publish storms while it is
// unhealthy. Open trips after threshold consecutive failures; after the
// timeout one probe is let through.
type circuitBreaker struct {
	mu          sync.Mutex
	open        bool
	failures    int
	successes   int
	threshold   int
	timeout     time.Duration
	lastFailure time.Time
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return true
	}
	return time.Since(cb.lastFailure) > cb.timeout
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open {
		cb.successes++
		if cb.successes >= 3 {
			cb.open = false
			cb.failures = 0
			cb.successes = 0
		}
		return
	}
	cb.failures = 0
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()
	if cb.failures >= cb.threshold {
		cb.open = true
	}
}
