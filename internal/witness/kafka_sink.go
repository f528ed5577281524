package witness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSinkConfig contains configurable parameters for the Kafka witness sink.
type KafkaSinkConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives one message per anchor.
	Topic string

	// MaxAttempts defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaSink publishes witness documents to a topic keyed by anchor seq, so
// every copy of an anchor lands on the same partition.
type KafkaSink struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

// NewKafkaSink constructs a KafkaSink.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSink(w, cfg.MaxAttempts, cfg.WriteTimeout), nil
}

func newKafkaSink(w messageWriter, maxAttempts int, writeTimeout time.Duration) *KafkaSink {
	return &KafkaSink{
		writer:       w,
		maxAttempts:  maxAttempts,
		writeTimeout: writeTimeout,
		backoff:      100 * time.Millisecond,
	}
}

// Put implements Sink.
func (k *KafkaSink) Put(ctx context.Context, d *Document) error {
	if d == nil {
		return fmt.Errorf("nil witness")
	}
	b, err := d.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(d.Seq, 10)),
		Value: b,
		Headers: []kafka.Header{
			{Key: "tv", Value: []byte(d.TreeVersion)},
			{Key: "kid", Value: []byte(d.KeyID)},
		},
	}

	var lastErr error
	backoff := k.backoff
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		msg.Time = time.Now().UTC()
		ctxAttempt, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := k.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == k.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", k.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
