package risk

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/authn"
	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Risk levels, banded by overall score.
const (
	LevelMinimal  = "minimal"
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Recommendations, one per level.
const (
	RecommendAllow     = "allow"
	RecommendMonitor   = "monitor"
	RecommendStepUp    = "step-up"
	RecommendChallenge = "challenge"
	RecommendDeny      = "deny"
)

// Scoring categories with their fixed weights.
var categoryWeights = map[string]float64{
	"authentication": 1.0,
	"behavior":       0.9,
	"device":         0.8,
	"location":       0.85,
	"network":        0.7,
	"time":           0.5,
	"velocity":       0.95,
	"context":        0.6,
	"reputation":     1.0,
}

// severityScores maps indicator/anomaly severity to a factor score.
var severityScores = map[string]int{
	LevelMinimal:  10,
	LevelLow:      25,
	LevelMedium:   50,
	LevelHigh:     75,
	LevelCritical: 100,
}

// RuleCondition is one node of a scoring rule's condition tree. Leaves carry
// Field/Operator/Value; branches carry Logic ("and" or "or") and Children.
type RuleCondition struct {
	Field    string          `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string          `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any             `json:"value,omitempty" yaml:"value,omitempty"`
	Logic    string          `json:"logic,omitempty" yaml:"logic,omitempty"`
	Children []RuleCondition `json:"children,omitempty" yaml:"children,omitempty"`
}

// ScoringRule contributes a weighted factor when its condition tree matches.
type ScoringRule struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Category        string        `json:"category" yaml:"category"`
	Priority        int           `json:"priority" yaml:"priority"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	ScoreAdjustment int           `json:"score_adjustment" yaml:"score_adjustment"`
	Condition       RuleCondition `json:"condition" yaml:"condition"`
	CreatedAt       time.Time     `json:"created_at"`
}

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Profile is the behavioral baseline for one identity.
type Profile struct {
	IdentityID        string     `json:"identity_id"`
	TypicalLoginHours []int      `json:"typical_login_hours,omitempty"`
	TypicalLocations  []GeoPoint `json:"typical_locations,omitempty"`
	KnownDevices      []string   `json:"known_devices,omitempty"`
	TypicalIPRanges   []string   `json:"typical_ip_ranges,omitempty"`
	AvgSessionMinutes float64    `json:"avg_session_minutes,omitempty"`
	AvgActionsPerSess float64    `json:"avg_actions_per_session,omitempty"`
	DataPoints        int        `json:"data_points"`
	LastUpdatedAt     time.Time  `json:"last_updated_at"`
}

// ProfileUpdate carries one observation to fold into a profile.
type ProfileUpdate struct {
	LoginHour         *int
	Location          *GeoPoint
	DeviceFingerprint string
	IPRange           string
	SessionMinutes    *float64
	ActionsPerSession *float64
}

// Request is one assessment input.
type Request struct {
	IdentityID        string         `json:"identity_id"`
	SessionID         string         `json:"session_id,omitempty"`
	IPAddress         string         `json:"ip_address,omitempty"`
	Country           string         `json:"country,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	Latitude          float64        `json:"latitude,omitempty"`
	Longitude         float64        `json:"longitude,omitempty"`
	HasLocation       bool           `json:"has_location,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

// Factor is one scored contribution to an assessment.
type Factor struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Score    int     `json:"score"`
	Weight   float64 `json:"weight"`
	Severity string  `json:"severity,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// AnomalyDetectionResult records one anomaly check.
type AnomalyDetectionResult struct {
	Type       string  `json:"type"`
	Detected   bool    `json:"detected"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Assessment is the outcome of one risk evaluation, valid for five minutes.
type Assessment struct {
	ID             string                   `json:"id"`
	IdentityID     string                   `json:"identity_id"`
	SessionID      string                   `json:"session_id,omitempty"`
	OverallScore   int                      `json:"overall_score"`
	Level          string                   `json:"level"`
	Factors        []Factor                 `json:"factors"`
	Triggers       []string                 `json:"triggers,omitempty"`
	Anomalies      []AnomalyDetectionResult `json:"anomalies,omitempty"`
	Recommendation string                   `json:"recommendation"`
	AssessedAt     time.Time                `json:"assessed_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
}

// ThreatIndicator is one intel entry, active until it expires.
type ThreatIndicator struct {
	ID         string    `json:"id" yaml:"id"`
	Type       string    `json:"type" yaml:"type"` // ip, user-agent
	Value      string    `json:"value" yaml:"value"`
	Severity   string    `json:"severity" yaml:"severity"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	ThreatType string    `json:"threat_type,omitempty" yaml:"threat_type,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Listener receives risk notifications.
type Listener func(event string, data map[string]any)

// Risk events.
const (
	EventAssessed     = "riskAssessed"
	EventLevelChanged = "riskLevelChanged"
)

const assessmentTTL = 5 * time.Minute

// Engine evaluates scoring rules, behavioral anomalies, and threat intel.
type Engine struct {
	rules      map[string]*ScoringRule
	ruleOrder  []string
	profiles   map[string]*Profile
	indicators map[string]*ThreatIndicator
	indOrder   []string
	lastLevel  map[string]string
	recent     map[string][]time.Time
	listeners  []Listener
	clk        clock.Clock
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewEngine creates a risk engine.
func NewEngine(clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rules:      make(map[string]*ScoringRule),
		profiles:   make(map[string]*Profile),
		indicators: make(map[string]*ThreatIndicator),
		lastLevel:  make(map[string]string),
		recent:     make(map[string][]time.Time),
		clk:        clk,
		logger:     logger,
	}
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(event string, data map[string]any) {
	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event, data)
		}()
	}
}

// --- scoring rules ---

// CreateScoringRule stores a rule.
func (e *Engine) CreateScoringRule(rule ScoringRule) (ScoringRule, error) {
	if rule.Name == "" {
		return ScoringRule{}, kerr.Invalid("scoring rule requires a name")
	}
	if _, ok := categoryWeights[rule.Category]; !ok {
		return ScoringRule{}, kerr.Invalid(fmt.Sprintf("unknown scoring category %q", rule.Category))
	}
	if rule.ID == "" {
		rule.ID = "riskrule_" + uuid.New().String()
	}
	rule.CreatedAt = e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	stored := rule
	e.rules[rule.ID] = &stored
	e.ruleOrder = append(e.ruleOrder, rule.ID)
	return rule, nil
}

// GetScoringRule returns a rule.
func (e *Engine) GetScoringRule(id string) (ScoringRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[id]
	if !ok {
		return ScoringRule{}, kerr.NotFound("scoring rule", id)
	}
	return *rule, nil
}

// ListScoringRules returns rules in creation order.
func (e *Engine) ListScoringRules() []ScoringRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ScoringRule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		if r := e.rules[id]; r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// DeleteScoringRule removes a rule.
func (e *Engine) DeleteScoringRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return kerr.NotFound("scoring rule", id)
	}
	delete(e.rules, id)
	for i, rid := range e.ruleOrder {
		if rid == id {
			e.ruleOrder = append(e.ruleOrder[:i], e.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// --- threat intel ---

// AddThreatIndicator stores an intel entry.
func (e *Engine) AddThreatIndicator(ind ThreatIndicator) (ThreatIndicator, error) {
	if ind.Type == "" || ind.Value == "" {
		return ThreatIndicator{}, kerr.Invalid("indicator requires type and value")
	}
	if ind.ID == "" {
		ind.ID = "intel_" + uuid.New().String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := ind
	e.indicators[ind.ID] = &stored
	e.indOrder = append(e.indOrder, ind.ID)
	return ind, nil
}

// CheckThreatIntel returns the first active indicator matching type and value.
func (e *Engine) CheckThreatIntel(indicatorType, value string) (ThreatIndicator, bool) {
	now := e.clk.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range e.indOrder {
		ind := e.indicators[id]
		if ind == nil || ind.Type != indicatorType || ind.Value != value {
			continue
		}
		if !ind.ExpiresAt.IsZero() && !ind.ExpiresAt.After(now) {
			continue
		}
		return *ind, true
	}
	return ThreatIndicator{}, false
}

// --- behavioral profiles ---

// GetProfile returns a copy of an identity's profile.
func (e *Engine) GetProfile(identityID string) (Profile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[identityID]
	if !ok {
		return Profile{}, kerr.NotFound("behavioral profile", identityID)
	}
	return cloneProfile(p), nil
}

// UpdateProfile folds one observation into the identity's profile. Typical
// sets grow with dedup; running averages are weighted by count/(count+1).
func (e *Engine) UpdateProfile(identityID string, update ProfileUpdate) Profile {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[identityID]
	if !ok {
		p = &Profile{IdentityID: identityID}
		e.profiles[identityID] = p
	}

	if update.LoginHour != nil {
		if !containsInt(p.TypicalLoginHours, *update.LoginHour) {
			p.TypicalLoginHours = append(p.TypicalLoginHours, *update.LoginHour)
		}
	}
	if update.Location != nil {
		p.TypicalLocations = append(p.TypicalLocations, *update.Location)
	}
	if update.DeviceFingerprint != "" && !containsString(p.KnownDevices, update.DeviceFingerprint) {
		p.KnownDevices = append(p.KnownDevices, update.DeviceFingerprint)
	}
	if update.IPRange != "" && !containsString(p.TypicalIPRanges, update.IPRange) {
		p.TypicalIPRanges = append(p.TypicalIPRanges, update.IPRange)
	}

	count := float64(p.DataPoints)
	if update.SessionMinutes != nil {
		p.AvgSessionMinutes = p.AvgSessionMinutes*count/(count+1) + *update.SessionMinutes/(count+1)
	}
	if update.ActionsPerSession != nil {
		p.AvgActionsPerSess = p.AvgActionsPerSess*count/(count+1) + *update.ActionsPerSession/(count+1)
	}

	p.DataPoints++
	p.LastUpdatedAt = now
	return cloneProfile(p)
}

// --- assessment ---

// Assess scores one request against enabled rules, anomaly checks, and
// threat intel, then aggregates to a level and recommendation.
func (e *Engine) Assess(req Request) (Assessment, error) {
	if req.IdentityID == "" {
		return Assessment{}, kerr.Invalid("assessment requires an identity id")
	}
	now := e.clk.Now()

	e.mu.Lock()
	recent := append(e.recent[req.IdentityID], now)
	pruned := recent[:0]
	for _, ts := range recent {
		if now.Sub(ts) <= 5*time.Minute {
			pruned = append(pruned, ts)
		}
	}
	e.recent[req.IdentityID] = pruned
	velocityCount := len(pruned)

	var profile *Profile
	if p, ok := e.profiles[req.IdentityID]; ok {
		copied := cloneProfile(p)
		profile = &copied
	}

	rules := make([]ScoringRule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		if r := e.rules[id]; r != nil && r.Enabled {
			rules = append(rules, *r)
		}
	}
	e.mu.Unlock()

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	ctx := e.buildContext(req, profile, now)

	var factors []Factor
	for _, rule := range rules {
		if !evalCondition(rule.Condition, ctx) {
			continue
		}
		score := rule.ScoreAdjustment
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		factors = append(factors, Factor{
			Name:     rule.Name,
			Category: rule.Category,
			Score:    score,
			Weight:   categoryWeights[rule.Category],
		})
	}

	anomalies := e.detectAnomalies(req, profile, now, velocityCount)
	for _, a := range anomalies {
		if !a.Detected {
			continue
		}
		category := anomalyCategory(a.Type)
		factors = append(factors, Factor{
			Name:     a.Type,
			Category: category,
			Score:    severityScores[a.Severity],
			Weight:   categoryWeights[category],
			Severity: a.Severity,
			Detail:   a.Detail,
		})
	}

	if req.IPAddress != "" {
		if ind, hit := e.CheckThreatIntel("ip", req.IPAddress); hit {
			factors = append(factors, Factor{
				Name:     "threat-intel-ip",
				Category: "reputation",
				Score:    severityScores[ind.Severity],
				Weight:   categoryWeights["reputation"],
				Severity: ind.Severity,
				Detail:   ind.ThreatType,
			})
		}
	}
	if req.UserAgent != "" {
		if ind, hit := e.CheckThreatIntel("user-agent", req.UserAgent); hit {
			factors = append(factors, Factor{
				Name:     "threat-intel-user-agent",
				Category: "reputation",
				Score:    severityScores[ind.Severity],
				Weight:   categoryWeights["reputation"],
				Severity: ind.Severity,
				Detail:   ind.ThreatType,
			})
		}
	}

	overall := aggregate(factors)
	level := levelFor(overall)

	triggers := make([]string, 0, len(factors))
	for _, f := range factors {
		triggers = append(triggers, f.Name)
	}

	assessment := Assessment{
		ID:             "risk_" + uuid.New().String(),
		IdentityID:     req.IdentityID,
		SessionID:      req.SessionID,
		OverallScore:   overall,
		Level:          level,
		Factors:        factors,
		Triggers:       triggers,
		Anomalies:      anomalies,
		Recommendation: recommendationFor(level),
		AssessedAt:     now,
		ExpiresAt:      now.Add(assessmentTTL),
	}

	e.mu.Lock()
	previous, seen := e.lastLevel[req.IdentityID]
	e.lastLevel[req.IdentityID] = level
	e.mu.Unlock()

	e.notify(EventAssessed, map[string]any{"identityId": req.IdentityID, "score": overall, "level": level})
	if seen && previous != level {
		e.notify(EventLevelChanged, map[string]any{"identityId": req.IdentityID, "from": previous, "to": level})
	}
	return assessment, nil
}

// ScoreAuthentication adapts an authentication request into an assessment
// and returns the overall score.
func (e *Engine) ScoreAuthentication(identityID string, req authn.Request) int {
	assessment, err := e.Assess(Request{
		IdentityID:        identityID,
		IPAddress:         req.IPAddress,
		Country:           req.Country,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		HasLocation:       req.Latitude != 0 || req.Longitude != 0,
	})
	if err != nil {
		return 0
	}
	return assessment.OverallScore
}

// --- anomaly checks ---

func (e *Engine) detectAnomalies(req Request, profile *Profile, now time.Time, velocityCount int) []AnomalyDetectionResult {
	var out []AnomalyDetectionResult

	if profile != nil && req.HasLocation && len(profile.TypicalLocations) > 0 {
		ref := profile.TypicalLocations[len(profile.TypicalLocations)-1]
		dist := Haversine(ref.Latitude, ref.Longitude, req.Latitude, req.Longitude)
		hours := now.Sub(profile.LastUpdatedAt).Hours()
		if hours < 0 {
			hours = 0
		}
		maxPlausible := hours * 900
		if dist > 500 && dist > maxPlausible {
			out = append(out, AnomalyDetectionResult{
				Type:       "impossible-travel",
				Detected:   true,
				Severity:   LevelHigh,
				Confidence: math.Min(1, dist/(maxPlausible+1)),
				Detail:     fmt.Sprintf("%.0f km in %.1f h", dist, hours),
			})
		}
	}

	if profile != nil && profile.DataPoints >= 3 && len(profile.TypicalLoginHours) > 0 {
		hour := now.Hour()
		usual := false
		for _, h := range profile.TypicalLoginHours {
			diff := hour - h
			if diff < 0 {
				diff = -diff
			}
			if diff <= 1 || diff >= 23 {
				usual = true
				break
			}
		}
		if !usual {
			out = append(out, AnomalyDetectionResult{
				Type:       "unusual-time",
				Detected:   true,
				Severity:   LevelLow,
				Confidence: 0.7,
				Detail:     fmt.Sprintf("hour %d outside typical hours", hour),
			})
		}
	}

	if profile != nil && req.DeviceFingerprint != "" && len(profile.KnownDevices) >= 1 &&
		!containsString(profile.KnownDevices, req.DeviceFingerprint) {
		out = append(out, AnomalyDetectionResult{
			Type:       "new-device",
			Detected:   true,
			Severity:   LevelMedium,
			Confidence: 0.85,
		})
	}

	if profile != nil && req.HasLocation && len(profile.TypicalLocations) > 0 {
		minDist := math.MaxFloat64
		for _, loc := range profile.TypicalLocations {
			if d := Haversine(loc.Latitude, loc.Longitude, req.Latitude, req.Longitude); d < minDist {
				minDist = d
			}
		}
		if minDist > 200 {
			severity := LevelMedium
			if minDist > 1000 {
				severity = LevelHigh
			}
			out = append(out, AnomalyDetectionResult{
				Type:       "unusual-location",
				Detected:   true,
				Severity:   severity,
				Confidence: math.Min(1, minDist/2000),
				Detail:     fmt.Sprintf("%.0f km from nearest typical location", minDist),
			})
		}
	}

	if velocityCount > 10 {
		out = append(out, AnomalyDetectionResult{
			Type:       "velocity-anomaly",
			Detected:   true,
			Severity:   LevelHigh,
			Confidence: 0.9,
			Detail:     fmt.Sprintf("%d assessments in 5 minutes", velocityCount),
		})
	}

	return out
}

func anomalyCategory(anomalyType string) string {
	switch anomalyType {
	case "impossible-travel", "unusual-location":
		return "location"
	case "unusual-time":
		return "time"
	case "new-device":
		return "device"
	case "velocity-anomaly":
		return "velocity"
	}
	return "context"
}

// --- aggregation ---

func aggregate(factors []Factor) int {
	if len(factors) == 0 {
		return 0
	}
	var weighted, weights float64
	for _, f := range factors {
		weighted += float64(f.Score) * f.Weight
		weights += f.Weight
	}
	if weights == 0 {
		return 0
	}
	score := int(math.Round(weighted / weights))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func levelFor(score int) string {
	switch {
	case score <= 20:
		return LevelMinimal
	case score <= 40:
		return LevelLow
	case score <= 60:
		return LevelMedium
	case score <= 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func recommendationFor(level string) string {
	switch level {
	case LevelMinimal:
		return RecommendAllow
	case LevelLow:
		return RecommendMonitor
	case LevelMedium:
		return RecommendStepUp
	case LevelHigh:
		return RecommendChallenge
	default:
		return RecommendDeny
	}
}

// --- condition evaluation ---

func (e *Engine) buildContext(req Request, profile *Profile, now time.Time) map[string]any {
	ctx := map[string]any{
		"identityId":        req.IdentityID,
		"ipAddress":         req.IPAddress,
		"country":           req.Country,
		"deviceFingerprint": req.DeviceFingerprint,
		"userAgent":         req.UserAgent,
		"hour":              now.Hour(),
	}
	if req.HasLocation {
		ctx["latitude"] = req.Latitude
		ctx["longitude"] = req.Longitude
	}
	if profile != nil {
		ctx["profile"] = map[string]any{
			"dataPoints":        profile.DataPoints,
			"knownDeviceCount":  len(profile.KnownDevices),
			"avgSessionMinutes": profile.AvgSessionMinutes,
			"knownDevice":       containsString(profile.KnownDevices, req.DeviceFingerprint),
		}
	}
	for k, v := range req.Context {
		ctx[k] = v
	}
	return ctx
}

// evalCondition walks a condition tree. Branches combine children with the
// node's logic; an empty leaf matches.
func evalCondition(cond RuleCondition, ctx map[string]any) bool {
	if len(cond.Children) > 0 {
		if strings.EqualFold(cond.Logic, "or") {
			for _, child := range cond.Children {
				if evalCondition(child, ctx) {
					return true
				}
			}
			return false
		}
		for _, child := range cond.Children {
			if !evalCondition(child, ctx) {
				return false
			}
		}
		return true
	}
	if cond.Field == "" {
		return true
	}

	value, found := lookupPath(ctx, cond.Field)
	switch cond.Operator {
	case "exists":
		return found
	case "equals", "":
		return found && equalValues(value, cond.Value)
	case "notEquals":
		return found && !equalValues(value, cond.Value)
	case "greaterThan":
		a, aok := asFloat(value)
		b, bok := asFloat(cond.Value)
		return found && aok && bok && a > b
	case "lessThan":
		a, aok := asFloat(value)
		b, bok := asFloat(cond.Value)
		return found && aok && bok && a < b
	case "contains":
		return found && strings.Contains(asString(value), asString(cond.Value))
	case "in":
		if !found {
			return false
		}
		if items, ok := cond.Value.([]any); ok {
			for _, item := range items {
				if equalValues(value, item) {
					return true
				}
			}
		}
		if items, ok := cond.Value.([]string); ok {
			for _, item := range items {
				if asString(value) == item {
					return true
				}
			}
		}
		return false
	}
	return false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func cloneProfile(p *Profile) Profile {
	out := *p
	out.TypicalLoginHours = append([]int(nil), p.TypicalLoginHours...)
	out.TypicalLocations = append([]GeoPoint(nil), p.TypicalLocations...)
	out.KnownDevices = append([]string(nil), p.KnownDevices...)
	out.TypicalIPRanges = append([]string(nil), p.TypicalIPRanges...)
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
