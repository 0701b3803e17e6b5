package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

func newTestManager(t *testing.T, config Config) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(config, fake, nil), fake
}

func TestCreateSession(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{})

		s, err := mgr.CreateSession("u1", "laptop-1", "203.0.113.9")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, s.Status)
		assert.Equal(t, fake.Now().Add(8*time.Hour), s.ExpiresAt)
		assert.Equal(t, "laptop-1", s.DeviceFingerprint)
	})

	t.Run("requires an identity", func(t *testing.T) {
		mgr, _ := newTestManager(t, Config{})
		_, err := mgr.CreateSession("", "", "")
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})

	t.Run("concurrency cap evicts the oldest", func(t *testing.T) {
		mgr, _ := newTestManager(t, Config{MaxConcurrent: 2})

		var revoked []string
		mgr.OnEvent(func(event string, data map[string]any) {
			if event == EventRevoked {
				revoked = append(revoked, data["sessionId"].(string))
			}
		})

		first, _ := mgr.CreateSession("u1", "", "")
		second, _ := mgr.CreateSession("u1", "", "")
		third, _ := mgr.CreateSession("u1", "", "")

		got, _ := mgr.GetSession(first.ID)
		assert.Equal(t, StatusRevoked, got.Status)
		assert.Equal(t, []string{first.ID}, revoked)

		for _, id := range []string{second.ID, third.ID} {
			s, err := mgr.GetSession(id)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, s.Status)
		}
	})

	t.Run("cap is per identity", func(t *testing.T) {
		mgr, _ := newTestManager(t, Config{MaxConcurrent: 1})

		a, _ := mgr.CreateSession("u1", "", "")
		_, _ = mgr.CreateSession("u2", "", "")

		got, _ := mgr.GetSession(a.ID)
		assert.Equal(t, StatusActive, got.Status)
	})
}

func TestExpiry(t *testing.T) {
	t.Run("demoted on read past the ttl", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{TTL: time.Hour})

		s, _ := mgr.CreateSession("u1", "", "")
		fake.Advance(61 * time.Minute)

		var expired int
		mgr.OnEvent(func(event string, _ map[string]any) {
			if event == EventExpired {
				expired++
			}
		})

		got, err := mgr.GetSession(s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		assert.Equal(t, 1, expired)

		// The demotion sticks; a second read fires nothing.
		got, _ = mgr.GetSession(s.ID)
		assert.Equal(t, StatusExpired, got.Status)
		assert.Equal(t, 1, expired)
	})

	t.Run("expired sessions do not count toward the cap", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{TTL: time.Hour, MaxConcurrent: 1})

		old, _ := mgr.CreateSession("u1", "", "")
		fake.Advance(2 * time.Hour)
		fresh, _ := mgr.CreateSession("u1", "", "")

		oldGot, _ := mgr.GetSession(old.ID)
		assert.Equal(t, StatusExpired, oldGot.Status)
		freshGot, _ := mgr.GetSession(fresh.ID)
		assert.Equal(t, StatusActive, freshGot.Status)
	})

	t.Run("touch extends the lease", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{TTL: time.Hour})

		s, _ := mgr.CreateSession("u1", "", "")
		fake.Advance(50 * time.Minute)
		require.NoError(t, mgr.TouchSession(s.ID))

		fake.Advance(50 * time.Minute)
		got, _ := mgr.GetSession(s.ID)
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("touch after expiry conflicts", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{TTL: time.Hour})

		s, _ := mgr.CreateSession("u1", "", "")
		fake.Advance(2 * time.Hour)
		assert.ErrorIs(t, mgr.TouchSession(s.ID), kerr.ErrStateConflict)
	})

	t.Run("cleanup counts demotions", func(t *testing.T) {
		mgr, fake := newTestManager(t, Config{TTL: time.Hour})

		for i := 0; i < 3; i++ {
			_, _ = mgr.CreateSession(fmt.Sprintf("u%d", i), "", "")
		}
		fake.Advance(30 * time.Minute)
		_, _ = mgr.CreateSession("late", "", "")

		fake.Advance(45 * time.Minute)
		assert.Equal(t, 3, mgr.CleanupExpired())
		assert.Equal(t, 0, mgr.CleanupExpired())
	})
}

func TestRevocation(t *testing.T) {
	t.Run("revoke one", func(t *testing.T) {
		mgr, _ := newTestManager(t, Config{})

		s, _ := mgr.CreateSession("u1", "", "")
		require.NoError(t, mgr.RevokeSession(s.ID))

		got, _ := mgr.GetSession(s.ID)
		assert.Equal(t, StatusRevoked, got.Status)

		assert.ErrorIs(t, mgr.RevokeSession("missing"), kerr.ErrNotFound)
	})

	t.Run("revoke all for identity", func(t *testing.T) {
		mgr, _ := newTestManager(t, Config{})

		_, _ = mgr.CreateSession("u1", "", "")
		_, _ = mgr.CreateSession("u1", "", "")
		other, _ := mgr.CreateSession("u2", "", "")

		assert.Equal(t, 2, mgr.RevokeAllSessions("u1"))
		assert.Empty(t, mgr.RevokeAllSessions("u1"))

		got, _ := mgr.GetSession(other.ID)
		assert.Equal(t, StatusActive, got.Status)
	})
}

func TestListByIdentity(t *testing.T) {
	mgr, _ := newTestManager(t, Config{})

	a, _ := mgr.CreateSession("u1", "", "")
	b, _ := mgr.CreateSession("u1", "", "")
	_, _ = mgr.CreateSession("u2", "", "")

	listed := mgr.ListByIdentity("u1")
	require.Len(t, listed, 2)
	assert.Equal(t, a.ID, listed[0].ID)
	assert.Equal(t, b.ID, listed[1].ID)
}
