package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"orders-etl/internal/backoff"
	"orders-etl/internal/checkpoint"
	"orders-etl/internal/config"
	"orders-etl/internal/decoder"
	"orders-etl/internal/sink"
	"orders-etl/internal/stream"
)

// Runner runs one worker per partition and owns the resources they share
type Runner struct {
	workers []*Worker
	closers []io.Closer
	logger  *logrus.Logger
}

// NewRunner wraps prepared workers. closers are closed in order by Close.
func NewRunner(workers []*Worker, logger *logrus.Logger, closers ...io.Closer) *Runner {
	return &Runner{workers: workers, closers: closers, logger: logger}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New connects to NATS, opens the sink and checkpoint store from cfg and prepares one worker per
// configured partition. Workers share the sink and store; each has its own durable consumer and
// only consumes while this process holds the partition's lease.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Runner, error) {
	consumer := cfg.Source.ConsumerName
	if consumer == "" {
		consumer = DefaultConsumerName()
	}

	conn, err := stream.Connect(stream.ConnectOptions{
		URL:           cfg.Source.URL,
		Name:          consumer,
		MaxReconnect:  cfg.Source.MaxReconnect,
		ReconnectWait: cfg.Source.ReconnectWait,
	}, logger)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{closerFunc(func() error { conn.Close(); return nil })}
	fail := func(err error) (*Runner, error) {
		closeAll(closers, logger)
		return nil, err
	}

	if cfg.Source.CreateStream {
		js, err := conn.JetStream()
		if err != nil {
			return fail(fmt.Errorf("failed to get JetStream context: %w", err))
		}
		if err := stream.EnsureStream(js, cfg.Source.Stream, []string{cfg.Source.SubjectPrefix + ".>"}); err != nil {
			return fail(err)
		}
	}

	transformer, err := NewTransformer(&cfg.Processor, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create transformer: %w", err))
	}
	pipeline := NewPipeline(decoder.New(decoder.DefaultSampleSize), transformer)

	warehouse, err := sink.Open(ctx, cfg.Sink, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open sink: %w", err))
	}
	store, err := checkpoint.Open(ctx, cfg.Checkpoint, conn, logger)
	if err != nil {
		_ = warehouse.Close()
		return fail(fmt.Errorf("failed to open checkpoint store: %w", err))
	}

	leases := checkpoint.LeasesFor(store)
	var workers []*Worker
	var sources []io.Closer
	for _, partition := range cfg.Source.Partitions {
		jsCfg := stream.JetStreamConfig{
			Stream:        cfg.Source.Stream,
			Subject:       stream.Subject(cfg.Source.SubjectPrefix, partition),
			Group:         cfg.Source.ConsumerGroup,
			Partition:     partition,
			AckWait:       cfg.Source.AckWait,
			MaxAckPending: cfg.Source.MaxAckPending,
		}
		name := jsCfg.Durable()
		log := logger.WithFields(logrus.Fields{
			"worker":    name,
			"partition": partition,
			"consumer":  consumer,
		})

		source, err := stream.NewJetStreamSource(conn, jsCfg, log)
		if err != nil {
			_ = warehouse.Close()
			_ = store.Close()
			closeAll(sources, logger)
			return fail(err)
		}
		sources = append(sources, source)

		manager := checkpoint.NewManager(checkpoint.ManagerOptions{
			Worker: name,
			Store:  store,
			Sink:   warehouse,
			Source: source,
			Retry: backoff.Policy{
				Attempts: cfg.Retry.SinkAttempts,
				Initial:  cfg.Retry.InitialBackoff,
				Max:      cfg.Retry.MaxBackoff,
			},
			WriteTimeout: cfg.Sink.WriteTimeout,
			Logger:       log,
			Leases:       leases,
			Owner:        consumer,
			LeaseTTL:     cfg.Checkpoint.LeaseTTL,
		})
		workers = append(workers, NewWorker(WorkerOptions{
			Name:          name,
			PollBatch:     cfg.Source.PollBatch,
			BlockTimeout:  cfg.Source.BlockTimeout,
			BatchInterval: cfg.Batch.Interval,
			MaxRecords:    cfg.Batch.MaxRecords,
			LeaseRenew:    cfg.Checkpoint.LeaseTTL / 3,
			SourceRetry:   backoff.Policy{Initial: cfg.Retry.InitialBackoff, Max: cfg.Retry.MaxBackoff},
		}, source, pipeline, manager, log))
	}

	// Sources stop before the sink and store close; the connection goes last
	ordered := append(sources, warehouse, store)
	ordered = append(ordered, closers...)
	return NewRunner(workers, logger, ordered...), nil
}

// DefaultConsumerName identifies this process to NATS when no consumer name is configured
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orders-etl"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run starts every worker and waits for all of them to stop. A fatal error ends only the worker
// that hit it; Run returns the joined worker errors.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Infof("Starting %d workers...", len(r.workers))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil {
				w.logger.Errorf("Worker stopped: %v", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()

	r.logger.Info("All workers stopped")
	return errors.Join(errs...)
}

// Close releases the sources, sink, checkpoint store and connection
func (r *Runner) Close() error {
	return closeAll(r.closers, r.logger)
}

func closeAll(closers []io.Closer, logger *logrus.Logger) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warnf("Error during close: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
