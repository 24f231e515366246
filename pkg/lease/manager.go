// Package lease manages this worker's claims on coordinator jobs: polling
// for claimable work, renewing leases on a cadence strictly shorter than
// their TTL, and releasing them with a terminal result.
package lease

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// Config tunes the manager.
type Config struct {
	// WorkerID and Tag identify this worker on claim requests.
	WorkerID string
	Tag      string

	// PollInterval is the minimum spacing between claim polls.
	PollInterval time.Duration

	// RenewMargin is how long before expiry renewals are sent. Zero means
	// one third of each lease's TTL.
	RenewMargin time.Duration

	// Retry bounds transient-infrastructure retries on poll and release.
	Retry coordinator.RetryPolicy
}

// releasedCap bounds the local release-idempotence set. Duplicate releases
// only ever come from the supervisor that just finished the lease, so only
// recent entries matter; the coordinator tolerates duplicates regardless.
const releasedCap = 1024

// Manager implements the worker side of the lease protocol.
type Manager struct {
	client  coordinator.Client
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger

	// released holds recently released lease IDs in two generations; when
	// the current one fills, it becomes the previous and the oldest
	// generation is dropped.
	mu           sync.Mutex
	released     map[string]struct{}
	prevReleased map[string]struct{}
}

func NewManager(client coordinator.Client, cfg Config, log *zap.Logger) *Manager {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Manager{
		client:   client,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		log:      log,
		released: make(map[string]struct{}),
	}
}

// Poll asks the coordinator for one job that fits the given free capacity.
// Returns (nil, nil) when no work is offered. Polls are rate limited so an
// idle worker does not hammer the coordinator, and transient errors are
// retried with backoff before surfacing.
func (m *Manager) Poll(ctx context.Context, free coordinator.ResourceRequest) (*coordinator.Claim, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := coordinator.ClaimRequest{
		WorkerID: m.cfg.WorkerID,
		Tag:      m.cfg.Tag,
		Free:     free,
	}

	var claim *coordinator.Claim
	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		claim, err = m.client.Claim(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if claim != nil {
		m.log.Info("Claimed job",
			zap.String("job_id", claim.Job.ID),
			zap.String("lease_id", claim.Lease.ID),
			zap.Time("lease_expires", claim.Lease.ExpiresAt))
	}
	return claim, nil
}

// Release reports the terminal result and frees the lease. Releasing the
// same lease twice is a no-op. Transient errors are retried; a lease the
// coordinator no longer recognizes counts as released.
func (m *Manager) Release(ctx context.Context, lease coordinator.Lease, result *coordinator.Result) error {
	if m.wasReleased(lease.ID) {
		return nil
	}

	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return m.client.Release(ctx, lease.ID, result)
	})
	if err != nil {
		return err
	}

	m.markReleased(lease.ID)

	m.log.Info("Released lease",
		zap.String("job_id", lease.JobID),
		zap.String("lease_id", lease.ID),
		zap.Bool("succeeded", result != nil && result.Succeeded))
	return nil
}

func (m *Manager) wasReleased(leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.released[leaseID]; ok {
		return true
	}
	_, ok := m.prevReleased[leaseID]
	return ok
}

func (m *Manager) markReleased(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.released) >= releasedCap {
		m.prevReleased = m.released
		m.released = make(map[string]struct{})
	}
	m.released[leaseID] = struct{}{}
}

// renewCadence is the interval between renewals for a lease: TTL minus the
// configured margin, always strictly shorter than the TTL.
func (m *Manager) renewCadence(ttl time.Duration) time.Duration {
	margin := m.cfg.RenewMargin
	if margin <= 0 || margin >= ttl {
		margin = ttl / 3
	}
	cadence := ttl - margin
	if cadence <= 0 {
		cadence = ttl / 2
	}
	// Floor prevents a hot renewal loop on degenerate TTLs.
	if cadence < 50*time.Millisecond {
		cadence = 50 * time.Millisecond
	}
	return cadence
}

// Keepalive renews the lease on its own timer until ctx is canceled. It runs
// independently of job progress so a busy sandbox can never starve renewal.
// On a lost lease it calls onLost once and returns; transient renewal
// failures are retried on the next tick while the lease is still live.
func (m *Manager) Keepalive(ctx context.Context, lease coordinator.Lease, onLost func()) {
	current := lease
	timer := time.NewTimer(m.renewCadence(current.TTL()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		renewed, err := m.client.Renew(ctx, current.ID)
		switch {
		case err == nil:
			current = *renewed
			timer.Reset(m.renewCadence(current.TTL()))
		case coordinator.IsLeaseLost(err):
			m.log.Warn("Lease reassigned by coordinator",
				zap.String("job_id", current.JobID),
				zap.String("lease_id", current.ID))
			onLost()
			return
		case ctx.Err() != nil:
			return
		default:
			// Transient: retry quickly while the lease is still live. If
			// the coordinator stays unreachable past expiry, the next
			// renewal answers lease-lost and the job is abandoned then.
			m.log.Warn("Lease renewal failed, will retry",
				zap.String("lease_id", current.ID), zap.Error(err))
			timer.Reset(m.renewCadence(current.TTL()) / 4)
		}
	}
}
