package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"orders-etl/internal/models"
)

const defaultKVBucket = "orders_etl_checkpoints"

// KVStore keeps checkpoints in a JetStream key-value bucket, one key per worker. Leases live in
// a second bucket "<bucket>_leases" whose max age is the lease TTL.
type KVStore struct {
	kv     nats.KeyValue
	leases nats.KeyValue
	ttl    time.Duration
}

// NewKVStore binds bucket and its lease bucket, creating them when missing
func NewKVStore(conn *nats.Conn, bucket string, leaseTTL time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = defaultKVBucket
	}
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Second
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := bindKeyValue(js, &nats.KeyValueConfig{
		Bucket:  bucket,
		History: 5,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	leases, err := bindKeyValue(js, &nats.KeyValueConfig{
		Bucket:  bucket + "_leases",
		History: 1,
		TTL:     leaseTTL,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return &KVStore{kv: kv, leases: leases, ttl: leaseTTL}, nil
}

func bindKeyValue(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get KV store '%s': %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Load implements Store
func (s *KVStore) Load(_ context.Context, worker string) (models.Checkpoint, error) {
	entry, err := s.kv.Get(worker)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return models.Checkpoint{Worker: worker}, nil
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return decodeCheckpoint(worker, entry.Value())
}

// Commit implements Store. A KV put returns once JetStream has stored the value.
func (s *KVStore) Commit(_ context.Context, cp models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := s.kv.Put(cp.Worker, data); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// ClaimLease implements Leaser. The bucket's max age is the effective TTL; ttl only sets ExpiresAt.
func (s *KVStore) ClaimLease(_ context.Context, worker, owner string, _ time.Duration) (Lease, error) {
	rev, err := s.leases.Create(worker, []byte(owner))
	if errors.Is(err, nats.ErrKeyExists) {
		entry, getErr := s.leases.Get(worker)
		if getErr != nil || string(entry.Value()) != owner {
			return Lease{}, ErrLeaseHeld
		}
		rev, err = s.leases.Update(worker, []byte(owner), entry.Revision())
		if err != nil {
			return Lease{}, ErrLeaseHeld
		}
	} else if err != nil {
		return Lease{}, fmt.Errorf("failed to create lease: %w", err)
	}
	return s.lease(worker, owner, rev), nil
}

// RenewLease implements Leaser. Every update restarts the entry's max age.
func (s *KVStore) RenewLease(_ context.Context, lease Lease) (Lease, error) {
	rev, err := s.leases.Update(lease.Worker, []byte(lease.Owner), uint64(lease.Token))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return s.lease(lease.Worker, lease.Owner, rev), nil
}

// ReleaseLease implements Leaser
func (s *KVStore) ReleaseLease(_ context.Context, lease Lease) error {
	if err := s.leases.Delete(lease.Worker, nats.LastRevision(uint64(lease.Token))); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *KVStore) lease(worker, owner string, rev uint64) Lease {
	return Lease{
		Worker:    worker,
		Owner:     owner,
		Token:     int64(rev),
		TTL:       s.ttl,
		ExpiresAt: time.Now().Add(s.ttl),
	}
}

// Close implements Store. The connection belongs to the caller.
func (s *KVStore) Close() error {
	return nil
}
