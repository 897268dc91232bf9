// Package reservation implements the repo daemon's single upload
// reservation and its watchdog, grounded on repod.py's push_start/
// push_add_time/push_done/push_fail handshake (spec.md §4.6) and
// config.py's REPO_PUSH_BANDWIDTH.
package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/errs"
	"github.com/archbuild/forge/internal/metrics"
)

// minTimeout is the floor applied to every per-file and overall timeout.
const minTimeout = 120 * time.Second

// Reservation is the single in-flight upload's accounting record.
type Reservation struct {
	Token       string
	Filenames   []string
	TotalSizeMB float64
	StartedAt   time.Time
	Deadline    time.Time
}

// Verifier checks the detached signature of every named artifact against
// its staged package file, returning an error on the first failure.
type Verifier func(ctx context.Context, artifactFilenames []string) error

// Integrate folds a verified set of staged artifacts into the served tree.
type Integrate func(ctx context.Context, artifactFilenames []string, overwrite bool) error

// Manager holds at most one Reservation at a time.
type Manager struct {
	mu            sync.Mutex
	current       *Reservation
	bandwidthMbps float64
	verify        Verifier
	integrate     Integrate
	logger        zerolog.Logger
}

// New constructs a Manager. bandwidthMbps is the assumed upload bandwidth
// used to size per-file and overall timeouts.
func New(bandwidthMbps float64, verify Verifier, integrate Integrate, logger zerolog.Logger) *Manager {
	return &Manager{bandwidthMbps: bandwidthMbps, verify: verify, integrate: integrate, logger: logger}
}

// Timeout computes max(120s, 2*sizeMB/(bandwidthMbps/8) seconds).
func Timeout(sizeMB, bandwidthMbps float64) time.Duration {
	secs := 2 * sizeMB / (bandwidthMbps / 8)
	d := time.Duration(secs * float64(time.Second))
	if d < minTimeout {
		return minTimeout
	}
	return d
}

// tick releases an expired reservation. Callers must hold mu.
func (m *Manager) tick() {
	if m.current != nil && time.Now().After(m.current.Deadline) {
		m.logger.Warn().Time("deadline", m.current.Deadline).Msg("reservation watchdog: deadline exceeded, releasing")
		m.current = nil
	}
}

// PushStart either creates a Reservation and returns one timeout per file,
// or reports busy because a reservation is already active.
func (m *Manager) PushStart(filenames []string, sizesMB []float64) (timeouts []time.Duration, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick()

	if m.current != nil {
		metrics.ReservationBusyTotal.Inc()
		return nil, true
	}

	var total float64
	timeouts = make([]time.Duration, len(sizesMB))
	for i, s := range sizesMB {
		timeouts[i] = Timeout(s, m.bandwidthMbps)
		total += s
	}

	now := time.Now()
	m.current = &Reservation{
		Token:       uuid.New().String(),
		Filenames:   append([]string(nil), filenames...),
		TotalSizeMB: total,
		StartedAt:   now,
		Deadline:    now.Add(Timeout(total, m.bandwidthMbps)),
	}
	m.logger.Info().Str("token", m.current.Token).Strs("files", filenames).Msg("reservation started")
	return timeouts, false
}

// PushAddTime extends the active reservation's deadline, used by the client
// after a transport retry.
func (m *Manager) PushAddTime(name string, extra time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick()

	if m.current == nil {
		return &errs.ProtocolMisuse{Reason: "push_add_time with no active reservation"}
	}
	found := false
	for _, f := range m.current.Filenames {
		if f == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("push_add_time: %q is not part of the active reservation", name)
	}
	m.current.Deadline = m.current.Deadline.Add(extra)
	return nil
}

// PushFail releases the active reservation after a client-reported failure.
func (m *Manager) PushFail(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	m.logger.Warn().Str("file", name).Msg("upload failed, releasing reservation")
	m.current = nil
	return nil
}

// PushDone verifies and integrates the uploaded artifacts, releasing the
// reservation whether it succeeds or fails. filenames are artifact (not
// signature) names.
func (m *Manager) PushDone(ctx context.Context, filenames []string, overwrite bool) error {
	m.mu.Lock()
	m.tick()
	active := m.current != nil
	m.mu.Unlock()

	if !active {
		return &errs.ProtocolMisuse{Reason: "push_done with no active reservation"}
	}

	if err := m.verify(ctx, filenames); err != nil {
		m.release()
		return err
	}
	if err := m.integrate(ctx, filenames, overwrite); err != nil {
		m.release()
		return err
	}
	m.release()
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// Current returns the active reservation, if any.
func (m *Manager) Current() (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Reservation{}, false
	}
	return *m.current, true
}
