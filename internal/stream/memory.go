package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orders-etl/internal/models"
)

// MemoryStream is an in-process append-only stream with consumer-group ack tracking.
// A consumer opened for a group starts after the group's highest acked position, which is how an
// unacked tail gets redelivered after a restart.
type MemoryStream struct {
	mu      sync.Mutex
	entries []memoryEntry
	acked   map[string]models.Position
	notify  chan struct{}
}

type memoryEntry struct {
	data []byte
	at   time.Time
}

// NewMemoryStream creates an empty stream
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		acked:  make(map[string]models.Position),
		notify: make(chan struct{}),
	}
}

// Append adds an entry and returns its position. Positions start at 1.
func (s *MemoryStream) Append(data []byte) models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, memoryEntry{data: data, at: time.Now().UTC()})
	close(s.notify)
	s.notify = make(chan struct{})
	return models.Position(len(s.entries))
}

// Acked returns the highest position acked by group
func (s *MemoryStream) Acked(group string) models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[group]
}

// Consumer opens a source for group
func (s *MemoryStream) Consumer(group string) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &MemorySource{stream: s, group: group, cursor: s.acked[group]}
}

// MemorySource is a Source over a MemoryStream
type MemorySource struct {
	stream *MemoryStream
	group  string
	cursor models.Position
	closed bool
}

// Poll implements Source
func (c *MemorySource) Poll(ctx context.Context, max int, block time.Duration) ([]Entry, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		c.stream.mu.Lock()
		if c.closed {
			c.stream.mu.Unlock()
			return nil, fmt.Errorf("%w: consumer closed", ErrSourceUnavailable)
		}
		if int(c.cursor) < len(c.stream.entries) {
			end := len(c.stream.entries)
			if max > 0 && end-int(c.cursor) > max {
				end = int(c.cursor) + max
			}
			out := make([]Entry, 0, end-int(c.cursor))
			for i := int(c.cursor); i < end; i++ {
				e := c.stream.entries[i]
				out = append(out, Entry{Position: models.Position(i + 1), Data: e.data, Timestamp: e.at})
			}
			c.cursor = models.Position(end)
			c.stream.mu.Unlock()
			return out, nil
		}
		notify := c.stream.notify
		c.stream.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Ack implements Source
func (c *MemorySource) Ack(_ context.Context, upto models.Position) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	if upto > c.stream.acked[c.group] {
		c.stream.acked[c.group] = upto
	}
	return nil
}

// Close implements Source
func (c *MemorySource) Close() error {
	c.stream.mu.Lock()
	c.closed = true
	c.stream.mu.Unlock()
	return nil
}
