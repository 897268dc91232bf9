package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/forge/internal/errs"
)

func TestTimeoutFloor(t *testing.T) {
	assert.Equal(t, minTimeout, Timeout(0.001, 1))
}

func TestTimeoutScalesWithSize(t *testing.T) {
	// bandwidth 8 Mbps -> 1 MBps; 2*size/(8/8) = 2*size seconds.
	got := Timeout(1000, 8)
	assert.Equal(t, 2000*time.Second, got)
}

func TestPushStartThenBusy(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	timeouts, busy := m.PushStart([]string{"a", "b"}, []float64{1, 2})
	assert.False(t, busy)
	assert.Len(t, timeouts, 2)

	_, busy = m.PushStart([]string{"c"}, []float64{1})
	assert.True(t, busy)
}

func TestWatchdogReleasesExpired(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	m.current = &Reservation{Filenames: []string{"a"}, Deadline: time.Now().Add(-time.Second)}
	_, busy := m.PushStart([]string{"b"}, []float64{1})
	assert.False(t, busy)
}

func TestPushAddTimeRequiresKnownFile(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	m.PushStart([]string{"a"}, []float64{1})
	assert.Error(t, m.PushAddTime("unknown", time.Minute))
	require.NoError(t, m.PushAddTime("a", time.Minute))
}

func TestPushAddTimeNoReservation(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	err := m.PushAddTime("a", time.Minute)
	var pm *errs.ProtocolMisuse
	assert.ErrorAs(t, err, &pm)
}

func TestPushDoneSuccessReleasesReservation(t *testing.T) {
	var verified, integrated []string
	m := New(1,
		func(ctx context.Context, f []string) error { verified = f; return nil },
		func(ctx context.Context, f []string, overwrite bool) error { integrated = f; return nil },
		zerolog.Nop())
	m.PushStart([]string{"a.pkg.tar.xz"}, []float64{1})

	require.NoError(t, m.PushDone(context.Background(), []string{"a.pkg.tar.xz"}, false))
	assert.Equal(t, []string{"a.pkg.tar.xz"}, verified)
	assert.Equal(t, []string{"a.pkg.tar.xz"}, integrated)
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestPushDoneVerifyFailureReleasesReservation(t *testing.T) {
	m := New(1,
		func(ctx context.Context, f []string) error { return assert.AnError },
		func(ctx context.Context, f []string, overwrite bool) error { t.Fatal("integrate should not run"); return nil },
		zerolog.Nop())
	m.PushStart([]string{"a"}, []float64{1})

	err := m.PushDone(context.Background(), []string{"a"}, false)
	assert.Error(t, err)
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestPushDoneWithoutReservation(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	err := m.PushDone(context.Background(), []string{"a"}, false)
	assert.Error(t, err)
}

func TestPushFailReleases(t *testing.T) {
	m := New(1, nil, nil, zerolog.Nop())
	m.PushStart([]string{"a"}, []float64{1})
	require.NoError(t, m.PushFail("a"))
	_, ok := m.Current()
	assert.False(t, ok)
}
