package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

func TestAccessControl(t *testing.T) {
	t.Run("default deny with no policies", func(t *testing.T) {
		ac := NewAccessControl(nil)
		decision := ac.Check("u1", "read", "doc/1")
		assert.False(t, decision.Allowed)
		assert.Empty(t, decision.MatchedPolicies)
	})

	t.Run("allow matches regex resources", func(t *testing.T) {
		ac := NewAccessControl(nil)
		require.NoError(t, ac.AddPolicy(AccessPolicy{
			ID: "p1", Effect: "allow",
			Subjects:  []string{"u1"},
			Actions:   []string{"read"},
			Resources: []string{`^doc/.*$`},
		}))

		decision := ac.Check("u1", "read", "doc/42")
		assert.True(t, decision.Allowed)
		assert.Equal(t, []string{"p1"}, decision.MatchedPolicies)

		assert.False(t, ac.Check("u1", "read", "secret/42").Allowed)
		assert.False(t, ac.Check("u1", "write", "doc/42").Allowed)
		assert.False(t, ac.Check("u2", "read", "doc/42").Allowed)
	})

	t.Run("deny overrides allow", func(t *testing.T) {
		ac := NewAccessControl(nil)
		require.NoError(t, ac.AddPolicy(AccessPolicy{
			ID: "allow-all", Effect: "allow",
			Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{`.*`},
		}))
		require.NoError(t, ac.AddPolicy(AccessPolicy{
			ID: "deny-secrets", Effect: "deny",
			Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{`^secret/`},
		}))

		assert.True(t, ac.Check("u1", "read", "doc/1").Allowed)

		decision := ac.Check("u1", "read", "secret/key")
		assert.False(t, decision.Allowed)
		assert.Contains(t, decision.MatchedPolicies, "deny-secrets")
	})

	t.Run("wildcard subjects and actions", func(t *testing.T) {
		ac := NewAccessControl(nil)
		require.NoError(t, ac.AddPolicy(AccessPolicy{
			ID: "p", Effect: "allow",
			Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{`^public/`},
		}))
		assert.True(t, ac.Check("anyone", "delete", "public/page").Allowed)
	})

	t.Run("bad input rejected", func(t *testing.T) {
		ac := NewAccessControl(nil)
		err := ac.AddPolicy(AccessPolicy{Effect: "maybe"})
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)

		err = ac.AddPolicy(AccessPolicy{Effect: "allow", Resources: []string{`([`}})
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})
}

func TestMasker(t *testing.T) {
	t.Run("strategy grid", func(t *testing.T) {
		cases := []struct {
			strategy string
			in       string
			want     string
		}{
			{MaskFull, "4111111111111111", "****"},
			{MaskPartial, "4111111111111111", "41************11"},
			{MaskPartial, "abcd", "****"},
			{MaskRedact, "ssn 123-45-6789", "[REDACTED]"},
		}
		for _, tc := range cases {
			m := NewMasker()
			require.NoError(t, m.AddRule(MaskingRule{FieldPattern: ".*", Strategy: tc.strategy}))
			assert.Equal(t, tc.want, m.MaskValue("field", tc.in), tc.strategy)
		}
	})

	t.Run("hash and tokenize are deterministic", func(t *testing.T) {
		m := NewMasker()
		require.NoError(t, m.AddRule(MaskingRule{FieldPattern: "^email$", Strategy: MaskHash}))
		require.NoError(t, m.AddRule(MaskingRule{FieldPattern: "^card$", Strategy: MaskTokenize}))

		hashed := m.MaskValue("email", "ada@example.com")
		assert.Len(t, hashed, 16)
		assert.Equal(t, hashed, m.MaskValue("email", "ada@example.com"))
		assert.NotEqual(t, hashed, m.MaskValue("email", "bob@example.com"))

		token := m.MaskValue("card", "4111111111111111")
		assert.Regexp(t, `^TOK-[0-9a-f]{8}$`, token)
		assert.Equal(t, token, m.MaskValue("card", "4111111111111111"))
	})

	t.Run("first matching rule wins per key", func(t *testing.T) {
		m := NewMasker()
		require.NoError(t, m.AddRule(MaskingRule{FieldPattern: "password", Strategy: MaskRedact}))
		require.NoError(t, m.AddRule(MaskingRule{FieldPattern: ".*", Strategy: MaskFull}))

		out := m.Mask(map[string]string{
			"password": "hunter2",
			"username": "ada",
		})
		assert.Equal(t, "[REDACTED]", out["password"])
		assert.Equal(t, "****", out["username"])
	})

	t.Run("unmatched keys pass through", func(t *testing.T) {
		m := NewMasker()
		require.NoError(t, m.AddRule(MaskingRule{FieldPattern: "^secret_", Strategy: MaskFull}))

		out := m.Mask(map[string]string{"name": "ada", "secret_key": "abc"})
		assert.Equal(t, "ada", out["name"])
		assert.Equal(t, "****", out["secret_key"])
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		m := NewMasker()
		err := m.AddRule(MaskingRule{FieldPattern: ".*", Strategy: "rot13"})
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})
}

func TestAuditLogger(t *testing.T) {
	t.Run("record assigns id and timestamp", func(t *testing.T) {
		fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		audit := NewAuditLogger(fake, nil)

		entry := audit.Record(AuditEntry{Action: "login", Actor: "u1", Success: true})
		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, fake.Now(), entry.Timestamp)
		assert.Equal(t, 1, audit.Count())
	})

	t.Run("disabled logger drops entries", func(t *testing.T) {
		audit := NewAuditLogger(nil, nil)
		audit.SetEnabled(false)
		audit.Record(AuditEntry{Action: "login"})
		assert.Equal(t, 0, audit.Count())
	})

	t.Run("retention keeps the most recent entries", func(t *testing.T) {
		audit := NewAuditLogger(nil, nil)

		for i := 0; i < maxAuditEntries+50; i++ {
			audit.Record(AuditEntry{Action: "tick", Target: fmt.Sprintf("t%d", i)})
		}
		assert.Equal(t, maxAuditEntries, audit.Count())

		// Oldest 50 were trimmed.
		all := audit.Query(AuditFilter{Action: "tick"})
		assert.Equal(t, "t50", all[0].Target)
		assert.Equal(t, fmt.Sprintf("t%d", maxAuditEntries+49), all[len(all)-1].Target)
	})

	t.Run("filters compose with and", func(t *testing.T) {
		fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		audit := NewAuditLogger(fake, nil)

		audit.Record(AuditEntry{Action: "login", Actor: "u1", Success: true})
		audit.Record(AuditEntry{Action: "login", Actor: "u1", Success: false})
		fake.Advance(time.Hour)
		audit.Record(AuditEntry{Action: "login", Actor: "u2", Success: true})
		audit.Record(AuditEntry{Action: "logout", Actor: "u1", Success: true})

		assert.Len(t, audit.Query(AuditFilter{Action: "login"}), 3)
		assert.Len(t, audit.Query(AuditFilter{Action: "login", Actor: "u1"}), 2)

		ok := true
		assert.Len(t, audit.Query(AuditFilter{Actor: "u1", Success: &ok}), 2)

		late := audit.Query(AuditFilter{StartTime: fake.Now()})
		assert.Len(t, late, 2)

		limited := audit.Query(AuditFilter{Action: "login", Limit: 1})
		require.Len(t, limited, 1)
		assert.Equal(t, "u1", limited[0].Actor)
	})
}
