package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLeaseHeld is returned by ClaimLease while another owner holds an unexpired lease
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost is returned when a lease expired or was taken over
	ErrLeaseLost = errors.New("lease lost")
)

// Lease ties a worker's partition to one owner until ExpiresAt. Token is the backend handle
// (etcd lease id, KV revision, row generation) and changes on every claim.
type Lease struct {
	Worker    string
	Owner     string
	Token     int64
	TTL       time.Duration
	ExpiresAt time.Time
}

// Leaser hands out exclusive per-worker leases so that one process at a time consumes a
// partition and commits its checkpoint
type Leaser interface {
	ClaimLease(ctx context.Context, worker, owner string, ttl time.Duration) (Lease, error)
	RenewLease(ctx context.Context, lease Lease) (Lease, error)
	ReleaseLease(ctx context.Context, lease Lease) error
}

// LeasesFor returns the store's own leaser when it has one. Stores without shared state get
// process-local leases, which only exclude workers inside this process.
func LeasesFor(store Store) Leaser {
	if l, ok := store.(Leaser); ok {
		return l
	}
	return NewLocalLeases()
}

// LocalLeases keeps leases in memory
type LocalLeases struct {
	mu     sync.Mutex
	leases map[string]Lease
	next   int64
	now    func() time.Time
}

// NewLocalLeases creates an empty lease table
func NewLocalLeases() *LocalLeases {
	return &LocalLeases{leases: make(map[string]Lease), now: time.Now}
}

// ClaimLease implements Leaser
func (l *LocalLeases) ClaimLease(_ context.Context, worker, owner string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[worker]; ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return Lease{}, ErrLeaseHeld
	}
	l.next++
	lease := Lease{Worker: worker, Owner: owner, Token: l.next, TTL: ttl, ExpiresAt: now.Add(ttl)}
	l.leases[worker] = lease
	return lease, nil
}

// RenewLease implements Leaser
func (l *LocalLeases) RenewLease(_ context.Context, lease Lease) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[lease.Worker]
	if !ok || cur.Token != lease.Token || !now.Before(cur.ExpiresAt) {
		return Lease{}, ErrLeaseLost
	}
	cur.ExpiresAt = now.Add(cur.TTL)
	l.leases[lease.Worker] = cur
	return cur, nil
}

// ReleaseLease implements Leaser
func (l *LocalLeases) ReleaseLease(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[lease.Worker]; ok && cur.Token == lease.Token {
		delete(l.leases, lease.Worker)
	}
	return nil
}
