package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

func newTestGovernance(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(fake, nil), fake
}

func TestCampaignLifecycle(t *testing.T) {
	t.Run("draft to completed with derived counts", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		c, err := engine.CreateCampaign(Campaign{Name: "q2-review", TotalItems: 4})
		require.NoError(t, err)
		assert.Equal(t, CampaignDraft, c.Status)

		c, err = engine.StartCampaign(c.ID)
		require.NoError(t, err)
		assert.Equal(t, CampaignActive, c.Status)
		require.NotNil(t, c.StartedAt)

		_, err = engine.RecordDecision(c.ID, Decision{ReviewerID: "mgr", IdentityID: "u1", ItemID: "role_admin", Decision: DecisionCertify})
		require.NoError(t, err)
		_, err = engine.RecordDecision(c.ID, Decision{ReviewerID: "mgr", IdentityID: "u2", ItemID: "role_admin", Decision: DecisionRevoke})
		require.NoError(t, err)
		_, err = engine.RecordDecision(c.ID, Decision{ReviewerID: "mgr", IdentityID: "u3", ItemID: "role_ops", Decision: DecisionCertify})
		require.NoError(t, err)

		done, err := engine.CompleteCampaign(c.ID)
		require.NoError(t, err)
		assert.Equal(t, CampaignCompleted, done.Status)
		assert.Equal(t, 2, done.CertifiedCount)
		assert.Equal(t, 1, done.RevokedCount)
		assert.InDelta(t, 75.0, done.CompletionPercent, 0.001)
		require.NotNil(t, done.CompletedAt)

		assert.Len(t, engine.Decisions(c.ID), 3)
	})

	t.Run("decisions require an active campaign", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		c, _ := engine.CreateCampaign(Campaign{Name: "draft-only"})
		_, err := engine.RecordDecision(c.ID, Decision{Decision: DecisionCertify})
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
	})

	t.Run("completed campaigns are terminal", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		c, _ := engine.CreateCampaign(Campaign{Name: "done"})
		_, err := engine.StartCampaign(c.ID)
		require.NoError(t, err)
		_, err = engine.CompleteCampaign(c.ID)
		require.NoError(t, err)

		_, err = engine.StartCampaign(c.ID)
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
		assert.ErrorIs(t, engine.CancelCampaign(c.ID), kerr.ErrStateConflict)
	})

	t.Run("unknown decision is rejected", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		c, _ := engine.CreateCampaign(Campaign{Name: "c"})
		_, _ = engine.StartCampaign(c.ID)
		_, err := engine.RecordDecision(c.ID, Decision{Decision: "maybe"})
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})

	t.Run("revoke decisions fire accessRevoked", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		var events []string
		engine.OnEvent(func(event string, _ map[string]any) { events = append(events, event) })

		c, _ := engine.CreateCampaign(Campaign{Name: "c"})
		_, _ = engine.StartCampaign(c.ID)
		_, _ = engine.RecordDecision(c.ID, Decision{Decision: DecisionRevoke, IdentityID: "u1"})

		assert.Equal(t, []string{EventCampaignStarted, EventRevoked}, events)
	})
}

func TestEvaluateSoD(t *testing.T) {
	t.Run("proposed role conflicting with a held role is flagged", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		p, err := engine.CreateSoDPolicy(SoDPolicy{
			Name: "payments", Enabled: true, Severity: "high",
			ConflictingRoles: []RolePair{{First: "payment-approver", Second: "payment-initiator"}},
		})
		require.NoError(t, err)

		violations := engine.EvaluateSoD("u1", "payment-approver", []string{"payment-initiator", "viewer"})
		require.Len(t, violations, 1)
		assert.Equal(t, p.ID, violations[0].PolicyID)
		assert.Equal(t, "u1", violations[0].IdentityID)
		assert.Equal(t, "role", violations[0].ConflictType)
		assert.Equal(t, "high", violations[0].Severity)
		assert.Equal(t, ViolationDetected, violations[0].Status)

		// Pair direction does not matter.
		reversed := engine.EvaluateSoD("u1", "payment-initiator", []string{"payment-approver"})
		assert.Len(t, reversed, 1)

		// Unrelated proposals pass.
		assert.Empty(t, engine.EvaluateSoD("u1", "auditor", []string{"payment-initiator"}))
	})

	t.Run("disabled policies never fire", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		_, err := engine.CreateSoDPolicy(SoDPolicy{
			Name: "off", Enabled: false,
			ConflictingRoles: []RolePair{{First: "a", Second: "b"}},
		})
		require.NoError(t, err)
		assert.Empty(t, engine.EvaluateSoD("u1", "a", []string{"b"}))
	})

	t.Run("active exemption suppresses only its policy", func(t *testing.T) {
		engine, fake := newTestGovernance(t)

		exempted, _ := engine.CreateSoDPolicy(SoDPolicy{
			Name: "exempted", Enabled: true,
			ConflictingRoles: []RolePair{{First: "a", Second: "b"}},
		})
		other, _ := engine.CreateSoDPolicy(SoDPolicy{
			Name: "other", Enabled: true,
			ConflictingRoles: []RolePair{{First: "a", Second: "c"}},
		})

		expires := fake.Now().Add(time.Hour)
		_, err := engine.GrantExemption(Exemption{PolicyID: exempted.ID, IdentityID: "u1", ExpiresAt: &expires})
		require.NoError(t, err)

		violations := engine.EvaluateSoD("u1", "a", []string{"b", "c"})
		require.Len(t, violations, 1)
		assert.Equal(t, other.ID, violations[0].PolicyID)

		// Once the exemption lapses the suppressed policy fires again.
		fake.Advance(2 * time.Hour)
		violations = engine.EvaluateSoD("u1", "a", []string{"b", "c"})
		assert.Len(t, violations, 2)
	})

	t.Run("exemption without expiry never lapses", func(t *testing.T) {
		engine, fake := newTestGovernance(t)

		p, _ := engine.CreateSoDPolicy(SoDPolicy{
			Name: "p", Enabled: true,
			ConflictingRoles: []RolePair{{First: "a", Second: "b"}},
		})
		_, err := engine.GrantExemption(Exemption{PolicyID: p.ID, IdentityID: "u1"})
		require.NoError(t, err)

		fake.Advance(1000 * time.Hour)
		assert.Empty(t, engine.EvaluateSoD("u1", "a", []string{"b"}))
	})

	t.Run("exemptions are per identity", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		p, _ := engine.CreateSoDPolicy(SoDPolicy{
			Name: "p", Enabled: true,
			ConflictingRoles: []RolePair{{First: "a", Second: "b"}},
		})
		_, _ = engine.GrantExemption(Exemption{PolicyID: p.ID, IdentityID: "u1"})

		assert.Empty(t, engine.EvaluateSoD("u1", "a", []string{"b"}))
		assert.Len(t, engine.EvaluateSoD("u2", "a", []string{"b"}), 1)
	})
}

func TestEvaluateAllSoD(t *testing.T) {
	t.Run("held role pairs are reported", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		_, _ = engine.CreateSoDPolicy(SoDPolicy{
			Name: "p", Enabled: true,
			ConflictingRoles: []RolePair{{First: "a", Second: "b"}, {First: "x", Second: "y"}},
		})

		violations := engine.EvaluateAllSoD("u1", []string{"a", "b", "x"})
		require.Len(t, violations, 1)
		assert.Contains(t, violations[0].ConflictDetails, `"a"`)
	})

	t.Run("permission pairs need a resolver and opt-in", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		_, _ = engine.CreateSoDPolicy(SoDPolicy{
			Name: "perm", Enabled: true,
			ConflictingPermissions: []RolePair{{First: "ledger:write", Second: "ledger:approve"}},
		})
		resolver := func(string) []string { return []string{"ledger:write", "ledger:approve"} }

		// Resolver without opt-in stays silent.
		engine.SetPermissionResolver(resolver, SoDOptions{})
		assert.Empty(t, engine.EvaluateAllSoD("u1", nil))

		engine.SetPermissionResolver(resolver, SoDOptions{EmitPermissionViolations: true})
		violations := engine.EvaluateAllSoD("u1", nil)
		require.Len(t, violations, 1)
		assert.Equal(t, "permission", violations[0].ConflictType)
	})
}

func TestViolationResolution(t *testing.T) {
	engine, _ := newTestGovernance(t)

	_, _ = engine.CreateSoDPolicy(SoDPolicy{
		Name: "p", Enabled: true,
		ConflictingRoles: []RolePair{{First: "a", Second: "b"}},
	})
	violations := engine.EvaluateSoD("u1", "a", []string{"b"})
	require.Len(t, violations, 1)

	require.NoError(t, engine.ResolveViolation(violations[0].ID, ViolationRemediated))
	listed := engine.ListViolations()
	require.Len(t, listed, 1)
	assert.Equal(t, ViolationRemediated, listed[0].Status)
	assert.NotNil(t, listed[0].ResolvedAt)

	assert.ErrorIs(t, engine.ResolveViolation(violations[0].ID, "ignored"), kerr.ErrInvalidInput)
	assert.ErrorIs(t, engine.ResolveViolation("missing", ViolationAcknowledged), kerr.ErrNotFound)
}

func TestAccessRequests(t *testing.T) {
	t.Run("approve then fulfill", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		r, err := engine.CreateAccessRequest(AccessRequest{
			BeneficiaryID: "u1", ItemType: "role", ItemID: "role_ops",
			Justification: "on-call rotation",
		})
		require.NoError(t, err)
		assert.Equal(t, RequestPending, r.Status)

		approved, err := engine.ApproveRequest(r.ID, "mgr", "ok")
		require.NoError(t, err)
		assert.Equal(t, RequestApproved, approved.Status)
		require.Len(t, approved.Approvals, 1)
		assert.Equal(t, 1, approved.Approvals[0].Level)
		assert.True(t, approved.Approvals[0].Approved)

		fulfilled, err := engine.FulfillRequest(r.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestFulfilled, fulfilled.Status)
		assert.NotNil(t, fulfilled.FulfilledAt)
	})

	t.Run("rejected requests cannot be fulfilled", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		r, _ := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u1", ItemID: "role_ops"})
		rejected, err := engine.RejectRequest(r.ID, "mgr", "no")
		require.NoError(t, err)
		assert.Equal(t, RequestRejected, rejected.Status)
		assert.False(t, rejected.Approvals[0].Approved)

		_, err = engine.FulfillRequest(r.ID)
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
	})

	t.Run("decided requests cannot be decided again", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		r, _ := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u1", ItemID: "x"})
		_, err := engine.ApproveRequest(r.ID, "mgr", "")
		require.NoError(t, err)

		_, err = engine.ApproveRequest(r.ID, "mgr2", "")
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
		assert.ErrorIs(t, engine.CancelRequest(r.ID), kerr.ErrStateConflict)
	})

	t.Run("cancel pending", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		r, _ := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u1", ItemID: "x"})
		require.NoError(t, engine.CancelRequest(r.ID))

		got, err := engine.GetAccessRequest(r.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestCancelled, got.Status)

		_, err = engine.ApproveRequest(r.ID, "mgr", "")
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
	})

	t.Run("requests need beneficiary and item", func(t *testing.T) {
		engine, _ := newTestGovernance(t)
		_, err := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u1"})
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})

	t.Run("list keeps creation order", func(t *testing.T) {
		engine, _ := newTestGovernance(t)

		a, _ := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u1", ItemID: "r1"})
		b, _ := engine.CreateAccessRequest(AccessRequest{BeneficiaryID: "u2", ItemID: "r2"})

		listed := engine.ListAccessRequests()
		require.Len(t, listed, 2)
		assert.Equal(t, a.ID, listed[0].ID)
		assert.Equal(t, b.ID, listed[1].ID)
	})
}
