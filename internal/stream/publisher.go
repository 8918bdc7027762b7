package stream

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher appends raw envelopes to the partitioned CDC stream
type Publisher struct {
	js         nats.JetStreamContext
	prefix     string
	partitions []string
	logger     *logrus.Logger
}

// NewPublisher creates a publisher for subjects "<prefix>.<partition>"
func NewPublisher(conn *nats.Conn, prefix string, partitions []string, logger *logrus.Logger) (*Publisher, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return &Publisher{js: js, prefix: prefix, partitions: partitions, logger: logger}, nil
}

// Subject returns the subject of partition
func Subject(prefix, partition string) string {
	return prefix + "." + partition
}

// PartitionFor picks the partition for an envelope so that every change of one document lands on
// the same partition and keeps its order
func (p *Publisher) PartitionFor(envelope []byte) string {
	var keyed struct {
		DocumentKey json.RawMessage `json:"documentKey"`
	}
	_ = json.Unmarshal(envelope, &keyed)

	h := fnv.New32a()
	_, _ = h.Write(keyed.DocumentKey)
	return p.partitions[h.Sum32()%uint32(len(p.partitions))]
}

// Publish appends one envelope and waits for the stream to store it
func (p *Publisher) Publish(envelope []byte) (uint64, error) {
	subject := Subject(p.prefix, p.PartitionFor(envelope))
	ack, err := p.js.Publish(subject, envelope)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debugf("Published envelope to %s at sequence %d", subject, ack.Sequence)
	return ack.Sequence, nil
}
