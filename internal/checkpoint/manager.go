package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"orders-etl/internal/backoff"
	"orders-etl/internal/metrics"
	"orders-etl/internal/models"
	"orders-etl/internal/sink"
)

// State is a step of the delivery state machine
type State int

const (
	Idle State = iota
	WritingSink
	CommittingCheckpoint
	Acking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WritingSink:
		return "writing_sink"
	case CommittingCheckpoint:
		return "committing_checkpoint"
	case Acking:
		return "acking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SinkWriteError is returned when a batch could not be written within the retry bound
type SinkWriteError struct {
	BatchID  uint64
	Attempts int
	Err      error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink write of batch %d failed after %d attempts: %v", e.BatchID, e.Attempts, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// PersistError is returned when a checkpoint could not be made durable
type PersistError struct {
	Worker   string
	Position models.Position
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("checkpoint commit for %s at position %d failed: %v", e.Worker, e.Position, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Acker marks consumed stream positions as processed
type Acker interface {
	Ack(ctx context.Context, upto models.Position) error
}

// ManagerOptions wires a Manager
type ManagerOptions struct {
	Worker        string
	Store         Store
	Sink          sink.Sink
	Source        Acker
	Retry         backoff.Policy
	WriteTimeout  time.Duration
	CommitTimeout time.Duration
	Logger        *logrus.Entry
	// Leases defaults to LeasesFor(Store); Owner defaults to Worker
	Leases   Leaser
	Owner    string
	LeaseTTL time.Duration
	// Observe, when set, is called on every state transition
	Observe func(State)
}

// Manager owns a worker's checkpoint and the lease that makes this process its only writer.
// Deliver runs Idle → WritingSink → CommittingCheckpoint → Acking → Idle and never commits a
// checkpoint for a batch the sink has not durably accepted.
type Manager struct {
	opts ManagerOptions

	mu      sync.Mutex
	state   State
	current models.Checkpoint
	lease   Lease
	held    bool
}

// NewManager creates a manager; call Acquire before the first Deliver
func NewManager(opts ManagerOptions) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 10 * time.Second
	}
	if opts.Leases == nil {
		opts.Leases = LeasesFor(opts.Store)
	}
	if opts.Owner == "" {
		opts.Owner = opts.Worker
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	return &Manager{opts: opts, current: models.Checkpoint{Worker: opts.Worker}}
}

// Acquire blocks until this owner holds the worker's lease, then reloads the checkpoint the
// previous owner left. It returns ctx's error when cancelled while waiting.
func (m *Manager) Acquire(ctx context.Context) (models.Checkpoint, error) {
	wait := m.opts.LeaseTTL / 3
	standby := false
	for {
		lease, err := m.opts.Leases.ClaimLease(ctx, m.opts.Worker, m.opts.Owner, m.opts.LeaseTTL)
		if err == nil {
			m.mu.Lock()
			m.lease, m.held = lease, true
			m.mu.Unlock()
			metrics.LeaseHeld.WithLabelValues(m.opts.Worker).Set(1)
			m.opts.Logger.Infof("Acquired partition lease as %s", m.opts.Owner)
			return m.Resume(ctx)
		}

		if errors.Is(err, ErrLeaseHeld) {
			if !standby {
				m.opts.Logger.Info("Partition owned by another instance, standing by")
				standby = true
			}
		} else {
			metrics.ErrorsTotal.WithLabelValues("lease").Inc()
			m.opts.Logger.Warnf("Failed to claim partition lease: %v", err)
		}
		if !backoff.Sleep(ctx, wait) {
			return models.Checkpoint{}, ctx.Err()
		}
	}
}

// Renew extends the held lease. Any failure is reported as ErrLeaseLost: once renewal fails
// another owner may already be consuming the partition.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	lease, held := m.lease, m.held
	m.mu.Unlock()
	if !held {
		return ErrLeaseLost
	}

	renewed, err := m.opts.Leases.RenewLease(ctx, lease)
	if err != nil {
		m.drop()
		if !errors.Is(err, ErrLeaseLost) {
			err = fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
		return err
	}
	m.mu.Lock()
	m.lease = renewed
	m.mu.Unlock()
	return nil
}

// Release gives the lease up so a standby instance can take over without waiting for expiry
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	lease, held := m.lease, m.held
	m.mu.Unlock()
	if !held {
		return
	}
	m.drop()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CommitTimeout)
	defer cancel()
	if err := m.opts.Leases.ReleaseLease(ctx, lease); err != nil {
		m.opts.Logger.Warnf("Failed to release partition lease: %v", err)
		return
	}
	m.opts.Logger.Info("Released partition lease")
}

func (m *Manager) drop() {
	m.mu.Lock()
	m.held = false
	m.mu.Unlock()
	metrics.LeaseHeld.WithLabelValues(m.opts.Worker).Set(0)
}

// Resume reads the stored checkpoint; the worker resumes after its LastCommittedPosition
func (m *Manager) Resume(ctx context.Context) (models.Checkpoint, error) {
	cp, err := m.opts.Store.Load(ctx, m.opts.Worker)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to load checkpoint for %s: %w", m.opts.Worker, err)
	}

	m.mu.Lock()
	m.current = cp
	m.mu.Unlock()

	metrics.LastCommittedPosition.WithLabelValues(m.opts.Worker).Set(float64(cp.LastCommittedPosition))
	m.opts.Logger.Infof("Resuming from position %d (last batch %d)", cp.LastCommittedPosition, cp.LastBatchID)
	return cp, nil
}

// Checkpoint returns the last committed checkpoint
func (m *Manager) Checkpoint() models.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current delivery state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	metrics.DeliveryState.WithLabelValues(m.opts.Worker).Set(float64(s))
	if m.opts.Observe != nil {
		m.opts.Observe(s)
	}
}

// Deliver writes batch to the sink, commits the checkpoint, then acks the source.
// Delivery ignores cancellation of ctx so that an in-flight write or commit always finishes or
// fails cleanly; each step is bounded by its own timeout instead.
//
// The lease is renewed between the sink write and the commit. When it is lost, Deliver returns
// ErrLeaseLost without committing; the rows already written are upserted again by the next owner.
func (m *Manager) Deliver(ctx context.Context, batch models.Batch) error {
	if batch.Empty() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	log := m.opts.Logger.WithFields(logrus.Fields{
		"batch":    batch.ID,
		"records":  len(batch.Records),
		"position": fmt.Sprintf("%d-%d", batch.FirstPosition, batch.LastPosition),
	})

	m.mu.Lock()
	held := m.held
	m.mu.Unlock()
	if !held {
		return ErrLeaseLost
	}

	defer m.transition(Idle)

	m.transition(WritingSink)
	start := time.Now()
	attempts := 0
	err := backoff.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		attempts++
		writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
		defer cancel()
		return m.opts.Sink.WriteBatch(writeCtx, batch)
	}, func(attempt int, err error) {
		metrics.ErrorsTotal.WithLabelValues("sink").Inc()
		log.Warnf("Sink write attempt %d failed: %v", attempt, err)
	})
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("sink").Inc()
		return &SinkWriteError{BatchID: batch.ID, Attempts: attempts, Err: err}
	}
	metrics.WriteLatency.WithLabelValues(m.opts.Worker).Observe(float64(time.Since(start).Milliseconds()))

	m.transition(CommittingCheckpoint)
	commitCtx, cancel := context.WithTimeout(ctx, m.opts.CommitTimeout)
	defer cancel()
	if err := m.Renew(commitCtx); err != nil {
		log.Warnf("Not committing batch %d: %v", batch.ID, err)
		return err
	}

	// Redelivered positions below the committed one never move the checkpoint back
	cp := models.Checkpoint{
		Worker:                m.opts.Worker,
		LastCommittedPosition: batch.LastPosition,
		LastBatchID:           batch.ID,
		UpdatedAt:             time.Now().UTC(),
	}
	if prev := m.Checkpoint(); prev.LastCommittedPosition > cp.LastCommittedPosition {
		cp.LastCommittedPosition = prev.LastCommittedPosition
	}
	err = m.opts.Store.Commit(commitCtx, cp)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("checkpoint").Inc()
		return &PersistError{Worker: m.opts.Worker, Position: batch.LastPosition, Err: err}
	}
	m.mu.Lock()
	m.current = cp
	m.mu.Unlock()
	metrics.LastCommittedPosition.WithLabelValues(m.opts.Worker).Set(float64(cp.LastCommittedPosition))
	metrics.BatchesTotal.WithLabelValues(m.opts.Worker).Inc()
	metrics.RecordsTotal.WithLabelValues(m.opts.Worker, "delivered").Add(float64(len(batch.Records)))

	// A failed ack is not fatal: the transport redelivers and the rows are upserted again
	m.transition(Acking)
	ackCtx, ackCancel := context.WithTimeout(ctx, m.opts.CommitTimeout)
	err = m.opts.Source.Ack(ackCtx, batch.LastPosition)
	ackCancel()
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("ack").Inc()
		log.Warnf("Ack after checkpoint commit failed: %v", err)
	}

	log.Infof("Delivered batch %d", batch.ID)
	return nil
}
