package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"orders-etl/internal/models"
)

const defaultEtcdPrefix = "/orders-etl/checkpoints"

// EtcdStore keeps checkpoints under prefix/<worker> in etcd
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to the etcd cluster at endpoints
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newEtcdStoreWithClient(client, prefix), nil
}

func newEtcdStoreWithClient(client *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{client: client, prefix: strings.TrimRight(prefix, "/")}
}

func (s *EtcdStore) key(worker string) string {
	return s.prefix + "/" + worker
}

func (s *EtcdStore) leaseKey(worker string) string {
	return s.prefix + "/leases/" + worker
}

// Load implements Store
func (s *EtcdStore) Load(ctx context.Context, worker string) (models.Checkpoint, error) {
	resp, err := s.client.Get(ctx, s.key(worker))
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return models.Checkpoint{Worker: worker}, nil
	}
	return decodeCheckpoint(worker, resp.Kvs[0].Value)
}

// Commit implements Store. etcd acknowledges a put only after a quorum has persisted it.
func (s *EtcdStore) Commit(ctx context.Context, cp models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(cp.Worker), string(data)); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// ClaimLease implements Leaser. The lease key is created only when absent and is bound to an
// etcd lease, so it disappears once the owner stops renewing.
func (s *EtcdStore) ClaimLease(ctx context.Context, worker, owner string, ttl time.Duration) (Lease, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	grant, err := s.client.Grant(ctx, secs)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to grant etcd lease: %w", err)
	}

	key := s.leaseKey(worker)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, owner, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return Lease{}, fmt.Errorf("lease txn: %w", err)
	}

	if !resp.Succeeded {
		// Our own key from before a restart can be taken back without waiting for expiry
		held := true
		if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 && string(rng.Kvs[0].Value) == owner {
			again, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.Value(key), "=", owner)).
				Then(clientv3.OpPut(key, owner, clientv3.WithLease(grant.ID))).
				Commit()
			if err != nil {
				s.revoke(grant.ID)
				return Lease{}, fmt.Errorf("reacquire lease txn: %w", err)
			}
			held = !again.Succeeded
		}
		if held {
			s.revoke(grant.ID)
			return Lease{}, ErrLeaseHeld
		}
	}

	return Lease{
		Worker:    worker,
		Owner:     owner,
		Token:     int64(grant.ID),
		TTL:       time.Duration(secs) * time.Second,
		ExpiresAt: time.Now().Add(time.Duration(grant.TTL) * time.Second),
	}, nil
}

// RenewLease implements Leaser
func (s *EtcdStore) RenewLease(ctx context.Context, lease Lease) (Lease, error) {
	resp, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease.Token))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if resp.TTL <= 0 {
		return Lease{}, ErrLeaseLost
	}

	get, err := s.client.Get(ctx, s.leaseKey(lease.Worker))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if len(get.Kvs) == 0 || get.Kvs[0].Lease != lease.Token || string(get.Kvs[0].Value) != lease.Owner {
		return Lease{}, ErrLeaseLost
	}

	lease.ExpiresAt = time.Now().Add(time.Duration(resp.TTL) * time.Second)
	return lease, nil
}

// ReleaseLease implements Leaser. Revoking the etcd lease deletes the key bound to it.
func (s *EtcdStore) ReleaseLease(ctx context.Context, lease Lease) error {
	if _, err := s.client.Revoke(ctx, clientv3.LeaseID(lease.Token)); err != nil {
		return fmt.Errorf("failed to revoke etcd lease: %w", err)
	}
	return nil
}

func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.client.Revoke(ctx, id)
}

// Close implements Store
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func decodeCheckpoint(worker string, data []byte) (models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to parse checkpoint for %s: %w", worker, err)
	}
	cp.Worker = worker
	return cp, nil
}
