package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/models"
)

// JetStreamConfig describes one partition's durable pull consumer.
// Every process that uses the same Group and Partition competes on the same durable consumer.
type JetStreamConfig struct {
	Stream        string
	Subject       string
	Group         string
	Partition     string
	AckWait       time.Duration
	MaxAckPending int
}

// Durable returns the durable consumer name for the group and partition
func (c JetStreamConfig) Durable() string {
	name := c.Group + "-" + c.Partition
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

// JetStreamSource is a Source backed by a JetStream durable pull consumer.
// Delivered messages are held until acked by position.
type JetStreamSource struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[models.Position]*nats.Msg
}

// NewJetStreamSource binds a pull subscription for cfg on conn
func NewJetStreamSource(conn *nats.Conn, cfg JetStreamConfig, logger *logrus.Entry) (*JetStreamSource, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	durable := cfg.Durable()
	if _, err := js.ConsumerInfo(cfg.Stream, durable); errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: cfg.Subject,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			MaxAckPending: cfg.MaxAckPending,
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up consumer %s: %w", durable, err)
	}

	// Binding to an existing consumer keeps Unsubscribe from deleting it
	sub, err := js.PullSubscribe("", durable, nats.Bind(cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer %s: %w", durable, err)
	}

	logger.Infof("Bound durable consumer %s on %s/%s", durable, cfg.Stream, cfg.Subject)

	return &JetStreamSource{
		conn:    conn,
		sub:     sub,
		logger:  logger,
		pending: make(map[models.Position]*nats.Msg),
	}, nil
}

// Poll implements Source
func (s *JetStreamSource) Poll(ctx context.Context, max int, block time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.conn.IsConnected() {
		return nil, fmt.Errorf("%w: nats status %s", ErrSourceUnavailable, s.conn.Status())
	}

	msgs, err := s.sub.Fetch(max, nats.MaxWait(block))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	entries := make([]Entry, 0, len(msgs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		meta, err := msg.Metadata()
		if err != nil {
			s.logger.Warnf("Dropping message without JetStream metadata: %v", err)
			_ = msg.Term()
			continue
		}
		pos := models.Position(meta.Sequence.Stream)
		s.pending[pos] = msg
		entries = append(entries, Entry{Position: pos, Data: msg.Data, Timestamp: meta.Timestamp.UTC()})
	}
	return entries, nil
}

// Ack implements Source
func (s *JetStreamSource) Ack(ctx context.Context, upto models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]models.Position, 0, len(s.pending))
	for pos := range s.pending {
		if pos <= upto {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	for _, pos := range positions {
		if err := s.pending[pos].AckSync(nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to ack position %d: %w", pos, err)
		}
		delete(s.pending, pos)
	}
	return nil
}

// Close implements Source. Unacked messages are redelivered by the server after AckWait.
func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}
