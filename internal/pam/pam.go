package pam

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Checkout statuses.
const (
	CheckoutActive   = "active"
	CheckoutReturned = "returned"
	CheckoutExpired  = "expired"
)

// Recording statuses.
const (
	RecordingActive = "active"
	RecordingEnded  = "ended"
)

const defaultCheckoutTTL = time.Hour

// Vault groups privileged accounts.
type Vault struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Account is one privileged account held in a vault. The secret rotates on
// demand and on every checkin.
type Account struct {
	ID              string    `json:"id" yaml:"id"`
	VaultID         string    `json:"vault_id" yaml:"vault_id"`
	Name            string    `json:"name" yaml:"name"`
	System          string    `json:"system,omitempty" yaml:"system,omitempty"`
	Username        string    `json:"username,omitempty" yaml:"username,omitempty"`
	Secret          string    `json:"-"`
	RotateOnCheckin bool      `json:"rotate_on_checkin" yaml:"rotate_on_checkin"`
	CheckedOutBy    string    `json:"checked_out_by,omitempty"`
	LastRotatedAt   time.Time `json:"last_rotated_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Checkout is one exclusive lease on an account's secret.
type Checkout struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	IdentityID string     `json:"identity_id"`
	Reason     string     `json:"reason,omitempty"`
	Secret     string     `json:"-"`
	Status     string     `json:"status"`
	CheckedOut time.Time  `json:"checked_out_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
}

// RecordingEntry is one captured action inside a privileged session.
type RecordingEntry struct {
	Sequence  int       `json:"sequence"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recording is one privileged session capture.
type Recording struct {
	ID         string           `json:"id"`
	CheckoutID string           `json:"checkout_id"`
	IdentityID string           `json:"identity_id"`
	Status     string           `json:"status"`
	Entries    []RecordingEntry `json:"entries,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
}

// Listener receives PAM notifications.
type Listener func(event string, data map[string]any)

// PAM events.
const (
	EventCheckedOut     = "privilegedCheckout"
	EventCheckedIn      = "privilegedCheckin"
	EventSecretRotated  = "secretRotated"
	EventRecordingStart = "recordingStarted"
	EventRecordingEnd   = "recordingEnded"
)

// Manager holds vaults, privileged accounts, checkouts, and recordings.
type Manager struct {
	vaults      map[string]*Vault
	vaultOrder  []string
	accounts    map[string]*Account
	acctOrder   []string
	checkouts   map[string]*Checkout
	coOrder     []string
	recordings  map[string]*Recording
	recOrder    []string
	checkoutTTL time.Duration
	listeners   []Listener
	clk         clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a PAM manager. A zero ttl uses the one-hour default.
func NewManager(checkoutTTL time.Duration, clk clock.Clock, logger *zap.Logger) *Manager {
	if checkoutTTL <= 0 {
		checkoutTTL = defaultCheckoutTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		vaults:      make(map[string]*Vault),
		accounts:    make(map[string]*Account),
		checkouts:   make(map[string]*Checkout),
		recordings:  make(map[string]*Recording),
		checkoutTTL: checkoutTTL,
		clk:         clk,
		logger:      logger,
	}
}

// OnEvent registers a listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(event string, data map[string]any) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event, data)
		}()
	}
}

// --- vaults ---

// CreateVault stores a vault.
func (m *Manager) CreateVault(v Vault) (Vault, error) {
	if v.Name == "" {
		return Vault{}, kerr.Invalid("vault requires a name")
	}
	if v.ID == "" {
		v.ID = "vault_" + uuid.New().String()
	}
	v.CreatedAt = m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := v
	m.vaults[v.ID] = &stored
	m.vaultOrder = append(m.vaultOrder, v.ID)
	return v, nil
}

// GetVault returns a vault.
func (m *Manager) GetVault(id string) (Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return Vault{}, kerr.NotFound("vault", id)
	}
	return *v, nil
}

// ListVaults returns vaults in creation order.
func (m *Manager) ListVaults() []Vault {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Vault, 0, len(m.vaultOrder))
	for _, id := range m.vaultOrder {
		if v := m.vaults[id]; v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// --- accounts ---

// CreateAccount stores a privileged account with a freshly minted secret.
func (m *Manager) CreateAccount(a Account) (Account, error) {
	if a.Name == "" {
		return Account{}, kerr.Invalid("account requires a name")
	}
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if a.VaultID != "" {
		if _, ok := m.vaults[a.VaultID]; !ok {
			return Account{}, kerr.NotFound("vault", a.VaultID)
		}
	}
	if a.ID == "" {
		a.ID = "privacct_" + uuid.New().String()
	}
	a.Secret = generateSecret()
	a.CheckedOutBy = ""
	a.LastRotatedAt = now
	a.CreatedAt = now

	stored := a
	m.accounts[a.ID] = &stored
	m.acctOrder = append(m.acctOrder, a.ID)
	return a, nil
}

// GetAccount returns an account with the secret stripped.
func (m *Manager) GetAccount(id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, kerr.NotFound("privileged account", id)
	}
	out := *a
	out.Secret = ""
	return out, nil
}

// ListAccounts returns accounts in creation order, secrets stripped.
func (m *Manager) ListAccounts() []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.acctOrder))
	for _, id := range m.acctOrder {
		if a := m.accounts[id]; a != nil {
			copied := *a
			copied.Secret = ""
			out = append(out, copied)
		}
	}
	return out
}

// RotateSecret mints a new secret for an account.
func (m *Manager) RotateSecret(id string) error {
	now := m.clk.Now()
	m.mu.Lock()
	a, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFound("privileged account", id)
	}
	a.Secret = generateSecret()
	a.LastRotatedAt = now
	m.mu.Unlock()

	m.notify(EventSecretRotated, map[string]any{"accountId": id})
	return nil
}

// --- checkouts ---

// CheckoutAccount takes an exclusive lease on an account and reveals the
// secret. A second checkout before checkin or lease expiry is a conflict.
func (m *Manager) CheckoutAccount(accountID, identityID, reason string) (Checkout, error) {
	if identityID == "" {
		return Checkout{}, kerr.Invalid("checkout requires an identity")
	}
	now := m.clk.Now()

	m.mu.Lock()
	a, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return Checkout{}, kerr.NotFound("privileged account", accountID)
	}
	if a.CheckedOutBy != "" {
		if active := m.activeCheckoutLocked(accountID, now); active != nil {
			m.mu.Unlock()
			return Checkout{}, kerr.StateConflict("privileged account", accountID, "checked-out", "checked-out")
		}
		a.CheckedOutBy = ""
	}

	co := Checkout{
		ID:         "checkout_" + uuid.New().String(),
		AccountID:  accountID,
		IdentityID: identityID,
		Reason:     reason,
		Secret:     a.Secret,
		Status:     CheckoutActive,
		CheckedOut: now,
		ExpiresAt:  now.Add(m.checkoutTTL),
	}
	a.CheckedOutBy = identityID
	stored := co
	m.checkouts[co.ID] = &stored
	m.coOrder = append(m.coOrder, co.ID)
	m.mu.Unlock()

	m.notify(EventCheckedOut, map[string]any{"accountId": accountID, "identityId": identityID, "checkoutId": co.ID})
	return co, nil
}

// CheckinAccount returns a lease. Accounts marked rotate-on-checkin get a
// fresh secret.
func (m *Manager) CheckinAccount(checkoutID string) error {
	now := m.clk.Now()

	m.mu.Lock()
	co, ok := m.checkouts[checkoutID]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFound("checkout", checkoutID)
	}
	if co.Status != CheckoutActive {
		m.mu.Unlock()
		return kerr.StateConflict("checkout", checkoutID, co.Status, CheckoutReturned)
	}
	co.Status = CheckoutReturned
	co.ReturnedAt = &now

	rotated := false
	if a, ok := m.accounts[co.AccountID]; ok {
		a.CheckedOutBy = ""
		if a.RotateOnCheckin {
			a.Secret = generateSecret()
			a.LastRotatedAt = now
			rotated = true
		}
	}
	accountID := co.AccountID
	m.mu.Unlock()

	m.notify(EventCheckedIn, map[string]any{"accountId": accountID, "checkoutId": checkoutID})
	if rotated {
		m.notify(EventSecretRotated, map[string]any{"accountId": accountID})
	}
	return nil
}

// GetCheckout returns a checkout with the secret stripped.
func (m *Manager) GetCheckout(id string) (Checkout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	co, ok := m.checkouts[id]
	if !ok {
		return Checkout{}, kerr.NotFound("checkout", id)
	}
	out := *co
	out.Secret = ""
	return out, nil
}

// ListCheckouts returns checkouts in creation order, secrets stripped.
// Expired active leases are demoted on read.
func (m *Manager) ListCheckouts() []Checkout {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkout, 0, len(m.coOrder))
	for _, id := range m.coOrder {
		co := m.checkouts[id]
		if co == nil {
			continue
		}
		if co.Status == CheckoutActive && !co.ExpiresAt.After(now) {
			co.Status = CheckoutExpired
			if a, ok := m.accounts[co.AccountID]; ok && a.CheckedOutBy == co.IdentityID {
				a.CheckedOutBy = ""
			}
		}
		copied := *co
		copied.Secret = ""
		out = append(out, copied)
	}
	return out
}

// activeCheckoutLocked finds the live lease for an account, demoting it if
// the lease has expired.
func (m *Manager) activeCheckoutLocked(accountID string, now time.Time) *Checkout {
	for _, id := range m.coOrder {
		co := m.checkouts[id]
		if co == nil || co.AccountID != accountID || co.Status != CheckoutActive {
			continue
		}
		if !co.ExpiresAt.After(now) {
			co.Status = CheckoutExpired
			continue
		}
		return co
	}
	return nil
}

// --- session recording ---

// StartRecording opens a capture for an active checkout.
func (m *Manager) StartRecording(checkoutID string) (Recording, error) {
	now := m.clk.Now()

	m.mu.Lock()
	co, ok := m.checkouts[checkoutID]
	if !ok {
		m.mu.Unlock()
		return Recording{}, kerr.NotFound("checkout", checkoutID)
	}
	if co.Status != CheckoutActive {
		m.mu.Unlock()
		return Recording{}, kerr.StateConflict("checkout", checkoutID, co.Status, "recording")
	}
	rec := Recording{
		ID:         "recording_" + uuid.New().String(),
		CheckoutID: checkoutID,
		IdentityID: co.IdentityID,
		Status:     RecordingActive,
		StartedAt:  now,
	}
	stored := rec
	m.recordings[rec.ID] = &stored
	m.recOrder = append(m.recOrder, rec.ID)
	m.mu.Unlock()

	m.notify(EventRecordingStart, map[string]any{"recordingId": rec.ID, "checkoutId": checkoutID})
	return rec, nil
}

// AppendRecording adds one entry to an active recording.
func (m *Manager) AppendRecording(recordingID, action, detail string) error {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[recordingID]
	if !ok {
		return kerr.NotFound("recording", recordingID)
	}
	if rec.Status != RecordingActive {
		return kerr.StateConflict("recording", recordingID, rec.Status, RecordingActive)
	}
	rec.Entries = append(rec.Entries, RecordingEntry{
		Sequence:  len(rec.Entries) + 1,
		Action:    action,
		Detail:    detail,
		Timestamp: now,
	})
	return nil
}

// EndRecording closes a recording.
func (m *Manager) EndRecording(recordingID string) (Recording, error) {
	now := m.clk.Now()

	m.mu.Lock()
	rec, ok := m.recordings[recordingID]
	if !ok {
		m.mu.Unlock()
		return Recording{}, kerr.NotFound("recording", recordingID)
	}
	if rec.Status != RecordingActive {
		m.mu.Unlock()
		return Recording{}, kerr.StateConflict("recording", recordingID, rec.Status, RecordingEnded)
	}
	rec.Status = RecordingEnded
	rec.EndedAt = &now
	out := cloneRecording(rec)
	m.mu.Unlock()

	m.notify(EventRecordingEnd, map[string]any{"recordingId": recordingID, "entries": len(out.Entries)})
	return out, nil
}

// GetRecording returns a copy of a recording.
func (m *Manager) GetRecording(id string) (Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recordings[id]
	if !ok {
		return Recording{}, kerr.NotFound("recording", id)
	}
	return cloneRecording(rec), nil
}

func cloneRecording(rec *Recording) Recording {
	out := *rec
	out.Entries = append([]RecordingEntry(nil), rec.Entries...)
	return out
}

// generateSecret mints a 40-char base64url secret.
func generateSecret() string {
	b := make([]byte, 30)
	if _, err := rand.Read(b); err != nil {
		return "PAM_" + uuid.New().String()
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
