package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"orders-etl/internal/backoff"
	"orders-etl/internal/batch"
	"orders-etl/internal/checkpoint"
	"orders-etl/internal/decoder"
	"orders-etl/internal/metrics"
	"orders-etl/internal/models"
	"orders-etl/internal/stream"
)

// WorkerOptions tunes one worker's polling and windowing
type WorkerOptions struct {
	Name          string
	PollBatch     int
	BlockTimeout  time.Duration
	BatchInterval time.Duration
	MaxRecords    int
	SampleSize    int
	// LeaseRenew is how often the partition lease is renewed while consuming
	LeaseRenew time.Duration
	// SourceRetry paces polling after the source becomes unavailable; Attempts is ignored
	SourceRetry backoff.Policy
}

// Worker consumes one partition while it holds the partition lease: it polls entries, runs them
// through the pipeline, accumulates the open window and hands sealed batches to its checkpoint
// manager.
type Worker struct {
	opts     WorkerOptions
	source   stream.Source
	pipeline *Pipeline
	manager  *checkpoint.Manager
	logger   *logrus.Entry

	batcher *batch.Batcher
	window  map[models.Position]struct{}
}

// NewWorker creates a worker. manager must ack through the same source.
func NewWorker(opts WorkerOptions, source stream.Source, pipeline *Pipeline, manager *checkpoint.Manager, logger *logrus.Entry) *Worker {
	if opts.PollBatch <= 0 {
		opts.PollBatch = 100
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 500 * time.Millisecond
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 60 * time.Second
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = decoder.DefaultSampleSize
	}
	if opts.LeaseRenew <= 0 {
		opts.LeaseRenew = 5 * time.Second
	}
	if opts.SourceRetry.Initial <= 0 {
		opts.SourceRetry = backoff.Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	return &Worker{
		opts:     opts,
		source:   source,
		pipeline: pipeline,
		manager:  manager,
		logger:   logger,
	}
}

// Run processes the partition until ctx is cancelled or a fatal error occurs. The worker first
// waits for the partition lease; while another instance owns it the worker stands by. On
// cancellation the open window is sealed and delivered before Run returns. A lost lease discards
// the open window, whose entries the transport redelivers, and the worker stands by again.
func (w *Worker) Run(ctx context.Context) error {
	defer w.manager.Release(ctx)

	for {
		cp, err := w.manager.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = w.consume(ctx, cp)
		if !errors.Is(err, checkpoint.ErrLeaseLost) {
			return err
		}
		w.logger.Warnf("Lost partition lease, discarding open window: %v", err)
		metrics.OpenWindowRecords.WithLabelValues(w.opts.Name).Set(0)
	}
}

// consume polls and delivers from cp until ctx is cancelled, the lease is lost or a fatal error
// occurs
func (w *Worker) consume(ctx context.Context, cp models.Checkpoint) error {
	w.batcher = batch.New(w.opts.Name, cp.LastBatchID+1, w.opts.MaxRecords)
	w.window = make(map[models.Position]struct{})

	w.logger.Info("Starting worker...")

	ticker := time.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()
	renew := time.NewTicker(w.opts.LeaseRenew)
	defer renew.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, flushing open window")
			return w.flush(ctx)
		case <-ticker.C:
			if err := w.flush(ctx); err != nil {
				return err
			}
			continue
		case <-renew.C:
			if ctx.Err() != nil {
				continue
			}
			if err := w.manager.Renew(ctx); err != nil {
				return err
			}
			continue
		default:
		}

		entries, err := w.source.Poll(ctx, w.opts.PollBatch, w.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			delay := w.opts.SourceRetry.Delay(failures)
			metrics.ErrorsTotal.WithLabelValues("source").Inc()
			w.logger.Warnf("Error polling stream (attempt %d), retrying in %s: %v", failures, delay, err)
			backoff.Sleep(ctx, delay)
			continue
		}
		failures = 0

		for _, entry := range entries {
			if !w.handle(entry) {
				continue
			}
			w.logger.Debugf("Open window reached %d records, sealing early", w.opts.MaxRecords)
			if err := w.flush(ctx); err != nil {
				return err
			}
			ticker.Reset(w.opts.BatchInterval)
		}
	}
}

// handle routes one entry into the open window and reports whether the window is full.
// Every other entry is processed, including positions at or below the committed checkpoint:
// the transport may redeliver them after a later window was committed, and sinks upsert.
func (w *Worker) handle(entry stream.Entry) bool {
	if _, ok := w.window[entry.Position]; ok {
		// Redelivered while still in the open window
		metrics.RecordsTotal.WithLabelValues(w.opts.Name, "replayed").Inc()
		return false
	}
	w.window[entry.Position] = struct{}{}

	result := w.pipeline.Process(entry.Data, entry.Timestamp)
	for _, failure := range result.Failures {
		metrics.DecodeFailuresTotal.WithLabelValues(w.opts.Name, string(failure.Kind)).Inc()
	}

	if result.Outcome != OutcomeAccepted {
		w.drop(entry, result)
		w.batcher.Observe(entry.Position)
		return false
	}
	if len(result.Failures) > 0 {
		// The authoritative document decoded; only the other image was malformed
		w.logger.WithFields(logrus.Fields{
			"position": entry.Position,
			"field":    result.Failures[0].Field,
			"sample":   result.Failures[0].Sample,
		}).Warnf("Ignoring undecodable document: %v", result.Failures[0].Err)
	}

	metrics.RecordsTotal.WithLabelValues(w.opts.Name, string(OutcomeAccepted)).Inc()
	full := w.batcher.Add(*result.Record, entry.Position)
	metrics.OpenWindowRecords.WithLabelValues(w.opts.Name).Set(float64(w.batcher.Len()))
	return full
}

// drop counts and logs an entry that yields no record. Its position still advances the window.
func (w *Worker) drop(entry stream.Entry, result Processed) {
	metrics.RecordsTotal.WithLabelValues(w.opts.Name, string(result.Outcome)).Inc()

	fields := logrus.Fields{
		"reason":   string(result.Outcome),
		"position": entry.Position,
	}
	if result.Event != nil {
		fields["operation"] = string(result.Event.OperationType)
	}
	if len(result.Failures) > 0 {
		fields["sample"] = result.Failures[0].Sample
	} else {
		fields["sample"] = decoder.Sample(entry.Data, w.opts.SampleSize)
	}
	log := w.logger.WithFields(fields)

	switch result.Outcome {
	case OutcomeFiltered:
		log.Debug("Dropping event rejected by transformer")
	case OutcomeUnsupported:
		log.Warn("Dropping event with unsupported operation")
	default:
		log.Warnf("Dropping event: %v", result.Err)
	}
}

// flush seals the open window and delivers it. Windows that covered no positions are skipped.
func (w *Worker) flush(ctx context.Context) error {
	sealed, ok := w.batcher.Seal()
	w.window = make(map[models.Position]struct{})
	metrics.OpenWindowRecords.WithLabelValues(w.opts.Name).Set(0)
	if !ok {
		return nil
	}
	if err := w.manager.Deliver(ctx, sealed); err != nil {
		w.logger.Errorf("Failed to deliver batch %d: %v", sealed.ID, err)
		return fmt.Errorf("worker %s: %w", w.opts.Name, err)
	}
	return nil
}
