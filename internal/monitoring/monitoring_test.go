package monitoring

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("counters accumulate", func(t *testing.T) {
		c := NewCollector("keystone")

		c.Inc("auth.login_success")
		c.Inc("auth.login_success")
		c.Add("auth.login_failed", 3)

		assert.Equal(t, 2.0, c.Value("auth.login_success"))
		assert.Equal(t, 3.0, c.Value("auth.login_failed"))
		assert.Equal(t, 0.0, c.Value("never.touched"))

		snapshot := c.Snapshot()
		assert.Len(t, snapshot, 2)
		assert.Equal(t, 2.0, snapshot["auth.login_success"])
	})

	t.Run("shutdown stops updates", func(t *testing.T) {
		c := NewCollector("keystone")
		c.Inc("x")
		c.Shutdown()
		c.Inc("x")
		assert.Equal(t, 1.0, c.Value("x"))
	})

	t.Run("prometheus export sanitizes names", func(t *testing.T) {
		c := NewCollector("keystone")
		c.Inc("auth.login_success")

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body := rec.Body.String()
		assert.Contains(t, body, "keystone_auth_login_success")
	})

	t.Run("timer records milliseconds", func(t *testing.T) {
		c := NewCollector("keystone")
		timer := c.StartTimer("op.duration_ms")
		elapsed := timer.Stop()
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		assert.GreaterOrEqual(t, c.Value("op.duration_ms"), 0.0)
	})
}

func TestAlertRuleConfig(t *testing.T) {
	valid := AlertRuleConfig{Name: "failed-logins", Counter: "auth.login_failed", Op: ">", Threshold: 10}
	assert.NoError(t, valid.Validate())

	bad := []AlertRuleConfig{
		{Counter: "x", Op: ">"},
		{Name: "n", Op: ">"},
		{Name: "n", Counter: "x", Op: "~"},
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate())
	}
}

func TestAlertManager(t *testing.T) {
	t.Run("threshold crossing fires once", func(t *testing.T) {
		c := NewCollector("keystone")
		m := NewAlertManager(c)
		require.NoError(t, m.AddRule(AlertRuleConfig{
			Name: "failed-logins", Counter: "auth.login_failed", Op: ">=", Threshold: 3,
			Severity: SeverityCritical,
		}))

		assert.Empty(t, m.Evaluate())
		assert.Equal(t, StateInactive, m.State("failed-logins"))

		c.Add("auth.login_failed", 3)
		assert.Equal(t, []string{"failed-logins"}, m.Evaluate())
		assert.Equal(t, StateFiring, m.State("failed-logins"))

		// A second evaluation stays firing without a duplicate alert.
		assert.Equal(t, []string{"failed-logins"}, m.Evaluate())
		alerts := m.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, "failed-logins", alerts[0].RuleName)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
	})

	t.Run("recovery resets to inactive", func(t *testing.T) {
		c := NewCollector("keystone")
		m := NewAlertManager(c)
		require.NoError(t, m.AddRule(AlertRuleConfig{
			Name: "low-traffic", Counter: "auth.login_success", Op: "<", Threshold: 1,
		}))

		assert.Equal(t, []string{"low-traffic"}, m.Evaluate())
		c.Inc("auth.login_success")
		assert.Empty(t, m.Evaluate())
		assert.Equal(t, StateInactive, m.State("low-traffic"))
	})

	t.Run("duration gates through pending", func(t *testing.T) {
		c := NewCollector("keystone")
		m := NewAlertManager(c)
		require.NoError(t, m.AddRule(AlertRuleConfig{
			Name: "sustained", Counter: "x", Op: ">", Threshold: 0,
			Duration: 10 * time.Millisecond,
		}))

		c.Inc("x")
		assert.Empty(t, m.Evaluate())
		assert.Equal(t, StatePending, m.State("sustained"))

		time.Sleep(15 * time.Millisecond)
		assert.Equal(t, []string{"sustained"}, m.Evaluate())
		assert.Equal(t, StateFiring, m.State("sustained"))
	})

	t.Run("unknown rule state is empty", func(t *testing.T) {
		m := NewAlertManager(NewCollector("keystone"))
		assert.Equal(t, "", m.State("missing"))
	})

	t.Run("default severity is warning", func(t *testing.T) {
		c := NewCollector("keystone")
		m := NewAlertManager(c)
		require.NoError(t, m.AddRule(AlertRuleConfig{Name: "r", Counter: "x", Op: ">=", Threshold: 0}))

		m.Evaluate()
		alerts := m.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityWarning, alerts[0].Severity)
	})
}
