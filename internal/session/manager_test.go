package session

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/protocol"
	"github.com/skypro1111/voice-session-service/internal/response"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

func testDeps() Deps {
	return Deps{
		Engine:               transcription.NewMock("hello"),
		TranscriptionTimeout: time.Second,
		Responder:            response.NewKeywordResponder(0),
		ResponseTimeout:      time.Second,
		Metrics:              metrics.NewMetrics(),
		Logger:               zap.NewNop(),
	}
}

func TestManagerCreateAndRemove(t *testing.T) {
	deps := testDeps()
	mgr := NewManager(testConfig(), deps, time.Minute, 0)
	defer mgr.Stop()

	s, err := mgr.Create(testRate)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, mgr.ActiveCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.ActiveSessions))

	got, ok := mgr.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	infos := mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, s.ID, infos[0].ID)
	assert.Equal(t, "IDLE", infos[0].State)

	assert.True(t, mgr.Remove(s.ID))
	assert.False(t, mgr.Remove(s.ID))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, mgr.ActiveCount())

	_, ok = mgr.Get(s.ID)
	assert.False(t, ok)

	stats := mgr.GetStats()
	assert.Equal(t, uint64(1), stats.TotalCreated)
}

func TestManagerRejectsSampleRateMismatch(t *testing.T) {
	mgr := NewManager(testConfig(), testDeps(), time.Minute, 0)
	defer mgr.Stop()

	s, err := mgr.Create(8000)
	assert.ErrorIs(t, err, ErrSampleRateMismatch)
	assert.Nil(t, s)
	assert.Equal(t, 0, mgr.ActiveCount())
	assert.Zero(t, mgr.GetStats().TotalCreated)
}

func TestManagerSessionLimit(t *testing.T) {
	mgr := NewManager(testConfig(), testDeps(), time.Minute, 2)
	defer mgr.Stop()

	first, err := mgr.Create(testRate)
	require.NoError(t, err)
	_, err = mgr.Create(testRate)
	require.NoError(t, err)

	_, err = mgr.Create(testRate)
	assert.ErrorIs(t, err, ErrSessionLimit)
	assert.Equal(t, uint64(1), mgr.GetStats().TotalRejected)

	mgr.Remove(first.ID)
	_, err = mgr.Create(testRate)
	assert.NoError(t, err)
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	mgr := newManager(testConfig(), testDeps(), 50*time.Millisecond, 0, 10*time.Millisecond)
	defer mgr.Stop()

	s, err := mgr.Create(testRate)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mgr.GetStats().TotalExpired == 1 && s.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, mgr.ActiveCount())
	_, ok := mgr.Get(s.ID)
	assert.False(t, ok)

	// The event stream ends once the session is gone.
	for e := range s.Events() {
		assert.Equal(t, protocol.TypeStatus, e.Type)
	}
}

func TestManagerInactiveMeansDisconnected(t *testing.T) {
	mgr := newManager(testConfig(), testDeps(), 20*time.Millisecond, 0, 5*time.Millisecond)
	defer mgr.Stop()

	sessions := make([]*Session, 0, 5)
	for i := 0; i < 5; i++ {
		s, err := mgr.Create(testRate)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := mgr.GetStats()
		gone := 5 - stats.ActiveSessions
		// a session that left the index is already closed and counted
		require.Equal(t, uint64(gone), stats.TotalExpired)
		for _, s := range sessions {
			if _, ok := mgr.Get(s.ID); !ok {
				require.Equal(t, StateDisconnected, s.State())
			}
		}
		if gone == 5 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("sessions did not expire")
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	mgr := NewManager(testConfig(), testDeps(), time.Minute, 0)
	defer mgr.Stop()

	s, err := mgr.Create(testRate)
	require.NoError(t, err)

	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- mgr.Remove(s.ID) }()
	}
	removed := 0
	for i := 0; i < 4; i++ {
		if <-results {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, mgr.ActiveCount())
}

func TestManagerKeepsActiveSessions(t *testing.T) {
	mgr := newManager(testConfig(), testDeps(), 200*time.Millisecond, 0, 10*time.Millisecond)
	defer mgr.Stop()

	s, err := mgr.Create(testRate)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.HandleFrame(nil))
		time.Sleep(30 * time.Millisecond)
	}
	assert.Equal(t, 1, mgr.ActiveCount())
}

func TestManagerStopClosesSessions(t *testing.T) {
	mgr := NewManager(testConfig(), testDeps(), time.Minute, 0)

	a, err := mgr.Create(testRate)
	require.NoError(t, err)
	b, err := mgr.Create(testRate)
	require.NoError(t, err)

	mgr.Stop()

	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateDisconnected, b.State())
	assert.Equal(t, 0, mgr.ActiveCount())
}
