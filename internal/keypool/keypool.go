// Package keypool rotates outbound model calls across administrator-managed
// credential profiles. Each selection reads a fresh snapshot of the pool and
// advances a per-kind cursor atomically.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

// ErrNoProfile means neither the pool nor a primary can serve the kind.
var ErrNoProfile = errors.New("no model profile configured")

// ErrInvalid marks administrative requests the manager refuses.
var ErrInvalid = errors.New("invalid profile request")

// Store is the persistence the manager reads and administers.
type Store interface {
	PoolProfiles(ctx context.Context, kind domain.ProfileKind) ([]domain.ModelProfile, error)
	PrimaryProfile(ctx context.Context, kind domain.ProfileKind) (domain.ModelProfile, error)
	GetProfile(ctx context.Context, id string) (domain.ModelProfile, error)
	ListProfiles(ctx context.Context, kind domain.ProfileKind) ([]domain.ModelProfile, error)
	InsertProfile(ctx context.Context, p domain.ModelProfile) error
	SetProfileDisabled(ctx context.Context, id string, disabled bool) error
	DeleteProfile(ctx context.Context, id string) error
	ReplacePool(ctx context.Context, kind domain.ProfileKind, profileIDs []string) error
	SetPrimary(ctx context.Context, kind domain.ProfileKind, profileID string) error
}

// Auditor records administrative changes in the event log.
type Auditor interface {
	RecordEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload map[string]any) error
}

// CredentialFailure is implemented by adapter errors that blame the
// selected profile (rejected key, exhausted quota).
type CredentialFailure interface {
	CredentialFailure() bool
}

// Prober performs a minimal round-trip against one profile.
type Prober interface {
	Probe(ctx context.Context, p domain.ModelProfile) error
}

type Manager struct {
	Store     Store
	Sealer    Sealer
	Cursor    Cursor
	Cooldowns Cooldowns
	Cooldown  time.Duration
	Prober    Prober
	Audit     Auditor
	Log       zerolog.Logger
	Now       func() time.Time
}

// Lease is one selected profile with its release handle.
type Lease struct {
	Profile domain.ModelProfile
	release func(error)
}

// Release reports the outcome of the call made with the lease. A
// credential failure withholds the profile for the cooldown window.
func (l Lease) Release(err error) {
	if l.release != nil {
		l.release(err)
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Select picks the next eligible profile of the kind.
func (m *Manager) Select(ctx context.Context, kind domain.ProfileKind) (Lease, error) {
	pool, err := m.Store.PoolProfiles(ctx, kind)
	if err != nil {
		return Lease{}, fmt.Errorf("load %s pool: %w", kind, err)
	}
	var enabled []domain.ModelProfile
	for _, p := range pool {
		if !p.Disabled {
			enabled = append(enabled, p)
		}
	}
	if len(enabled) == 0 {
		return m.primary(ctx, kind)
	}

	ids := make([]string, len(enabled))
	for i, p := range enabled {
		ids[i] = p.ID
	}
	cooling, err := m.Cooldowns.Active(ctx, ids)
	if err != nil {
		return Lease{}, err
	}
	pos, err := m.Cursor.Next(ctx, kind)
	if err != nil {
		return Lease{}, err
	}
	n := uint64(len(enabled))
	var chosen *domain.ModelProfile
	for i := uint64(0); i < n; i++ {
		p := enabled[(pos+i)%n]
		if _, ok := cooling[p.ID]; ok {
			continue
		}
		chosen = &p
		break
	}
	if chosen == nil {
		// Every enabled profile is cooling down; offer the one that recovers first.
		var soonest time.Time
		for i := range enabled {
			until := cooling[enabled[i].ID]
			if chosen == nil || until.Before(soonest) {
				chosen = &enabled[i]
				soonest = until
			}
		}
		m.Log.Warn().Str("kind", string(kind)).Str("profile_id", chosen.ID).Time("cooldown_until", soonest).
			Msg("all pool profiles cooling down")
	}
	return m.lease(*chosen)
}

func (m *Manager) primary(ctx context.Context, kind domain.ProfileKind) (Lease, error) {
	p, err := m.Store.PrimaryProfile(ctx, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return Lease{}, fmt.Errorf("%w for %s (%s)", ErrNoProfile, kind, kind.Nickname())
	}
	if err != nil {
		return Lease{}, err
	}
	if p.Disabled {
		return Lease{}, fmt.Errorf("%w for %s: primary %s is disabled", ErrNoProfile, kind, p.ID)
	}
	return m.lease(p)
}

func (m *Manager) lease(p domain.ModelProfile) (Lease, error) {
	secret, err := m.Sealer.Open(p.Secret)
	if err != nil {
		return Lease{}, fmt.Errorf("open secret for profile %s: %w", p.ID, err)
	}
	p.Secret = secret
	id := p.ID
	return Lease{Profile: p, release: func(callErr error) {
		var cf CredentialFailure
		if callErr == nil || !errors.As(callErr, &cf) || !cf.CredentialFailure() {
			return
		}
		if err := m.Cooldowns.Mark(context.Background(), id, m.Cooldown); err != nil {
			m.Log.Error().Err(err).Str("profile_id", id).Msg("mark profile cooldown")
			return
		}
		m.Log.Warn().Str("profile_id", id).Dur("cooldown", m.Cooldown).Msg("profile withheld after credential failure")
	}}, nil
}

type TestResult struct {
	ProfileID string        `json:"profile_id"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Test probes a single profile. Rotation and cooldown state are untouched.
func (m *Manager) Test(ctx context.Context, profileID string) (TestResult, error) {
	if m.Prober == nil {
		return TestResult{}, fmt.Errorf("%w: no prober configured", ErrInvalid)
	}
	p, err := m.Store.GetProfile(ctx, profileID)
	if err != nil {
		return TestResult{}, err
	}
	secret, err := m.Sealer.Open(p.Secret)
	if err != nil {
		return TestResult{}, err
	}
	p.Secret = secret
	start := m.now()
	probeErr := m.Prober.Probe(ctx, p)
	res := TestResult{ProfileID: p.ID, OK: probeErr == nil, Latency: m.now().Sub(start)}
	if probeErr != nil {
		res.Error = probeErr.Error()
	}
	return res, nil
}

type ProfileInput struct {
	Kind    domain.ProfileKind
	Name    string
	Gateway string
	Model   string
	Secret  string
}

// AddProfile seals the secret and stores a new profile outside any pool.
func (m *Manager) AddProfile(ctx context.Context, in ProfileInput) (domain.ModelProfile, error) {
	if !in.Kind.Valid() {
		return domain.ModelProfile{}, fmt.Errorf("%w: kind %q", ErrInvalid, in.Kind)
	}
	if strings.TrimSpace(in.Gateway) == "" || strings.TrimSpace(in.Model) == "" {
		return domain.ModelProfile{}, fmt.Errorf("%w: gateway and model are required", ErrInvalid)
	}
	sealed, err := m.Sealer.Seal(in.Secret)
	if err != nil {
		return domain.ModelProfile{}, err
	}
	p := domain.ModelProfile{
		ID:        uuid.NewString(),
		Kind:      in.Kind,
		Name:      in.Name,
		Gateway:   strings.TrimRight(in.Gateway, "/"),
		Model:     in.Model,
		Secret:    sealed,
		CreatedAt: repo.FormatTime(m.now()),
	}
	if err := m.Store.InsertProfile(ctx, p); err != nil {
		return domain.ModelProfile{}, err
	}
	p.Secret = ""
	m.audit(ctx, p.ID, map[string]any{"action": "added", "kind": p.Kind, "model": p.Model})
	return p, nil
}

// SetPool replaces the ordered pool of a kind after checking every id
// belongs to that kind.
func (m *Manager) SetPool(ctx context.Context, kind domain.ProfileKind, ids []string) error {
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: profile %s listed twice", ErrInvalid, id)
		}
		seen[id] = true
		p, err := m.Store.GetProfile(ctx, id)
		if err != nil {
			return fmt.Errorf("profile %s: %w", id, err)
		}
		if p.Kind != kind {
			return fmt.Errorf("%w: profile %s is %s, not %s", ErrInvalid, id, p.Kind, kind)
		}
	}
	if err := m.Store.ReplacePool(ctx, kind, ids); err != nil {
		return err
	}
	m.audit(ctx, "", map[string]any{"action": "pool_replaced", "kind": kind, "profile_ids": ids})
	return nil
}

func (m *Manager) SetPrimary(ctx context.Context, kind domain.ProfileKind, id string) error {
	p, err := m.Store.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if p.Kind != kind {
		return fmt.Errorf("%w: profile %s is %s, not %s", ErrInvalid, id, p.Kind, kind)
	}
	if err := m.Store.SetPrimary(ctx, kind, id); err != nil {
		return err
	}
	m.audit(ctx, id, map[string]any{"action": "primary_set", "kind": kind})
	return nil
}

func (m *Manager) SetDisabled(ctx context.Context, id string, disabled bool) error {
	if err := m.Store.SetProfileDisabled(ctx, id, disabled); err != nil {
		return err
	}
	m.audit(ctx, id, map[string]any{"action": "disabled", "disabled": disabled})
	return nil
}

// DeleteProfile removes a profile and its pool membership. A primary
// cannot be deleted until another profile replaces it.
func (m *Manager) DeleteProfile(ctx context.Context, id string) error {
	p, err := m.Store.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	primary, err := m.Store.PrimaryProfile(ctx, p.Kind)
	if err == nil && primary.ID == id {
		return fmt.Errorf("%w: profile %s is the %s primary", ErrInvalid, id, p.Kind)
	}
	if err := m.Store.DeleteProfile(ctx, id); err != nil {
		return err
	}
	m.audit(ctx, id, map[string]any{"action": "deleted", "kind": p.Kind})
	return nil
}

// audit failures are logged only; the change itself has committed.
func (m *Manager) audit(ctx context.Context, profileID string, payload map[string]any) {
	if m.Audit == nil {
		return
	}
	if err := m.Audit.RecordEvent(ctx, events.ProfileChanged, "profile", profileID, "", payload); err != nil {
		m.Log.Warn().Err(err).Str("profile_id", profileID).Msg("record profile event")
	}
}

// Profiles lists profiles of a kind with secrets stripped.
func (m *Manager) Profiles(ctx context.Context, kind domain.ProfileKind) ([]domain.ModelProfile, error) {
	items, err := m.Store.ListProfiles(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Secret = ""
	}
	return items, nil
}
