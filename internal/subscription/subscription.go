// Package subscription implements the Subscription Manager: it keeps the
// webhook change-notification subscriptions against the planner and chat
// domains alive, renewing before expiry and recreating on failure
// (spec.md §4.5), following the teacher's robfig/cron-driven scheduler
// pattern for its renewal sweep.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/store"
)

// State is one node of the subscription lifecycle state machine
// (spec.md §4.5).
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateRenewing State = "renewing"
	StateExpiring State = "expiring"
	StateDeleted  State = "deleted"
	StateFailed   State = "failed"
)

// Mode records how a chat subscription was established, per spec.md §4.5's
// "registry records mode so operators can audit".
type Mode string

const (
	ModeGlobal  Mode = "global"
	ModePerChat Mode = "per_chat"
	ModePlanner Mode = "planner"
)

// Record is the persisted registry entry under subs:registry.
type Record struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	Mode      Mode      `json:"mode"`
	State     State     `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	FailCount int       `json:"fail_count"`
}

// Client performs the actual Graph subscription HTTP calls. Production
// wiring supplies an adapter over plannerclient; tests supply a fake.
type Client interface {
	Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time, changeType string) (subID string, err error)
	Renew(ctx context.Context, subID string, expiresAt time.Time) error
	Delete(ctx context.Context, subID string) error
	// ErrForbidden reports whether err indicates the tenant forbids this
	// subscription shape (used to trigger chat fallback).
	ErrForbidden(err error) bool
}

// ChatLister enumerates chats for the per-chat subscription fallback.
type ChatLister interface {
	ListChatIDs(ctx context.Context) ([]string, error)
}

// Config carries the tunables spec.md §6/SPEC_FULL.md assign the
// Subscription Manager.
type Config struct {
	NotificationURL    string
	MaxLifetime        time.Duration
	RenewSweep         time.Duration
	RenewWindow        time.Duration
	PlannerResource    string
	GlobalChatResource string
	// ReleaseOnShutdown mirrors spec.md §5: subscriptions are only deleted on
	// Drain when this is set; otherwise they are left for the next instance.
	ReleaseOnShutdown bool
}

// Manager is the Subscription Manager component. It satisfies
// internal/applife.Component.
type Manager struct {
	client     Client
	chatLister ChatLister
	store      store.Store
	keys       store.Keys
	cfg        Config
	logger     logging.Logger

	cron *cron.Cron

	mu      sync.Mutex
	records map[string]*Record
}

// New builds a Manager.
func New(client Client, chatLister ChatLister, s store.Store, keys store.Keys, cfg Config, logger logging.Logger) *Manager {
	return &Manager{
		client:     client,
		chatLister: chatLister,
		store:      s,
		keys:       keys,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		cron:       cron.New(),
		records:    make(map[string]*Record),
	}
}

func (m *Manager) Name() string { return "subscription-manager" }

// Start resumes any subscriptions a previous instance left registered,
// creates whichever planner/chat subscriptions are still missing, then runs
// the renewal sweep ticker until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.loadRegistry(ctx)

	if !m.hasMode(ModePlanner) {
		if err := m.createPlannerSubscription(ctx); err != nil {
			m.logger.Warn("subscription: initial planner subscription failed: %v", err)
		}
	}
	if !m.hasMode(ModeGlobal) && !m.hasMode(ModePerChat) {
		if err := m.createChatSubscription(ctx); err != nil {
			m.logger.Warn("subscription: initial chat subscription failed: %v", err)
		}
	}

	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.RenewSweep), func() {
		m.sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("subscription: schedule renewal sweep: %w", err)
	}
	m.cron.Start()

	<-ctx.Done()
	return nil
}

// Drain tears every live subscription down (spec.md §4.5 "Teardown: on
// shutdown ... delete") only when ReleaseOnShutdown is set (spec.md §5:
// "delete or release subscriptions only if RELEASE_ON_SHUTDOWN is set —
// otherwise leave them for the next instance"); it always stops the renewal
// cron first so no sweep races the shutdown decision.
func (m *Manager) Drain(ctx context.Context) error {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if !m.cfg.ReleaseOnShutdown {
		m.logger.Info("subscription: leaving %d subscription(s) registered for the next instance", len(m.records))
		return nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.teardown(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadRegistry rehydrates subs:registry from a previous instance, per
// spec.md §5: subscriptions not released on shutdown are left for the next
// instance, which resumes renewing them instead of duplicating them.
func (m *Manager) loadRegistry(ctx context.Context) {
	var snapshot []Record
	ok, err := m.store.GetJSON(ctx, m.keys.SubRegistry(), &snapshot)
	if err != nil {
		m.logger.Warn("subscription: load registry: %v", err)
		return
	}
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range snapshot {
		rec := snapshot[i]
		if rec.State == StateDeleted {
			continue
		}
		m.records[rec.ID] = &rec
	}
}

func (m *Manager) hasMode(mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Mode == mode {
			return true
		}
	}
	return false
}

func (m *Manager) createPlannerSubscription(ctx context.Context) error {
	return m.create(ctx, m.cfg.PlannerResource, ModePlanner)
}

// createChatSubscription tries a single global chat subscription first,
// falling back to one subscription per chat if the tenant forbids a global
// one (spec.md §4.5).
func (m *Manager) createChatSubscription(ctx context.Context) error {
	err := m.create(ctx, m.cfg.GlobalChatResource, ModeGlobal)
	if err == nil {
		return nil
	}
	if !m.client.ErrForbidden(err) {
		return err
	}

	m.logger.Info("subscription: global chat subscription forbidden, falling back to per-chat")
	chatIDs, lerr := m.chatLister.ListChatIDs(ctx)
	if lerr != nil {
		return fmt.Errorf("subscription: list chats for fallback: %w", lerr)
	}
	var firstErr error
	for _, chatID := range chatIDs {
		resource := fmt.Sprintf("/chats/%s/messages", chatID)
		if cerr := m.create(ctx, resource, ModePerChat); cerr != nil && firstErr == nil {
			firstErr = cerr
		}
	}
	return firstErr
}

func (m *Manager) create(ctx context.Context, resource string, mode Mode) error {
	clientState, err := randomClientState()
	if err != nil {
		return fmt.Errorf("subscription: generate clientState: %w", err)
	}
	expiresAt := time.Now().Add(m.cfg.MaxLifetime)

	subID, err := m.client.Create(ctx, resource, m.cfg.NotificationURL, clientState, expiresAt, "updated,created,deleted")
	if err != nil {
		return fmt.Errorf("subscription: create %s: %w", resource, err)
	}

	if err := m.store.Set(ctx, m.keys.SubClientState(subID), clientState, 0); err != nil {
		return err
	}

	rec := &Record{ID: subID, Resource: resource, Mode: mode, State: StateActive, ExpiresAt: expiresAt}
	m.mu.Lock()
	m.records[subID] = rec
	m.mu.Unlock()
	return m.persistRegistry(ctx)
}

func randomClientState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// VerifyClientState reports whether a webhook notification's clientState
// matches the one stored for subID, per spec.md §4.6.
func (m *Manager) VerifyClientState(ctx context.Context, subID, clientState string) (bool, error) {
	stored, ok, err := m.store.Get(ctx, m.keys.SubClientState(subID))
	if err != nil || !ok {
		return false, err
	}
	return stored == clientState, nil
}

// sweep renews subscriptions nearing expiry and recreates any in the
// terminal Failed state (spec.md §4.5).
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	due := make([]*Record, 0)
	for _, rec := range m.records {
		if rec.State == StateFailed {
			due = append(due, rec)
			continue
		}
		if rec.ExpiresAt.Sub(time.Now()) < m.cfg.RenewWindow {
			due = append(due, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range due {
		m.renewOrRecreate(ctx, rec)
	}
	if err := m.persistRegistry(ctx); err != nil {
		m.logger.Warn("subscription: persist registry after sweep: %v", err)
	}
}

func (m *Manager) renewOrRecreate(ctx context.Context, rec *Record) {
	m.mu.Lock()
	rec.State = StateRenewing
	m.mu.Unlock()

	newExpiry := time.Now().Add(m.cfg.MaxLifetime)
	if err := m.client.Renew(ctx, rec.ID, newExpiry); err != nil {
		m.logger.Warn("subscription: renew %s failed, recreating: %v", rec.ID, err)
		m.mu.Lock()
		rec.State = StateFailed
		delete(m.records, rec.ID)
		m.mu.Unlock()
		_ = m.client.Delete(ctx, rec.ID)
		if cerr := m.create(ctx, rec.Resource, rec.Mode); cerr != nil {
			m.logger.Warn("subscription: recreate %s failed: %v", rec.Resource, cerr)
		}
		return
	}

	m.mu.Lock()
	rec.State = StateActive
	rec.ExpiresAt = newExpiry
	m.mu.Unlock()
}

func (m *Manager) teardown(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		rec.State = StateExpiring
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.client.Delete(ctx, id); err != nil {
		return fmt.Errorf("subscription: delete %s: %w", id, err)
	}

	m.mu.Lock()
	rec.State = StateDeleted
	delete(m.records, id)
	m.mu.Unlock()
	_ = m.store.Delete(ctx, m.keys.SubClientState(id))
	return nil
}

func (m *Manager) persistRegistry(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		snapshot = append(snapshot, *rec)
	}
	m.mu.Unlock()
	return m.store.SetJSON(ctx, m.keys.SubRegistry(), snapshot, 0)
}

// newSubID mints a random UUID-shaped ID. Nothing in the module calls it;
// the planner assigns subscription IDs.
func newSubID() string { return uuid.NewString() }
