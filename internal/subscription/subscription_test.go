package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/store"
)

type fakeClient struct {
	mu           sync.Mutex
	nextID       int
	forbidGlobal bool
	renewErr     error
	deleted      []string
	created      []string
}

func (f *fakeClient) Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time, changeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forbidGlobal && resource == "/chats/getAllMessages" {
		return "", errForbidden
	}
	f.nextID++
	id := "sub-" + resource + "-" + time.Now().Format("150405.000000000")
	f.created = append(f.created, resource)
	return id, nil
}

func (f *fakeClient) Renew(ctx context.Context, subID string, expiresAt time.Time) error {
	return f.renewErr
}

func (f *fakeClient) Delete(ctx context.Context, subID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subID)
	return nil
}

var errForbidden = errors.New("forbidden: tenant policy disallows global chat subscriptions")

func (f *fakeClient) ErrForbidden(err error) bool {
	return errors.Is(err, errForbidden)
}

type fakeChatLister struct{ ids []string }

func (f fakeChatLister) ListChatIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

func testConfig() Config {
	return Config{
		NotificationURL:    "https://example.invalid/webhook",
		MaxLifetime:        60 * time.Minute,
		RenewSweep:         15 * time.Minute,
		RenewWindow:        20 * time.Minute,
		PlannerResource:    "/planner/allTasks",
		GlobalChatResource: "/chats/getAllMessages",
	}
}

func TestCreatePlannerAndGlobalChatSubscriptions(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.createPlannerSubscription(ctx))
	require.NoError(t, m.createChatSubscription(ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.records, 2)
}

func TestChatFallbackToPerChatWhenGlobalForbidden(t *testing.T) {
	client := &fakeClient{forbidGlobal: true}
	s := store.NewMemoryStore()
	chats := fakeChatLister{ids: []string{"chat-1", "chat-2"}}
	m := New(client, chats, s, store.Keys{Prefix: "taskbridge"}, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, m.createChatSubscription(ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.records, 2)
	for _, rec := range m.records {
		assert.Equal(t, ModePerChat, rec.Mode)
	}
}

func TestLoadRegistryResumesPreviousInstanceSubscriptions(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	keys := store.Keys{Prefix: "taskbridge"}
	ctx := context.Background()

	leftBehind := []Record{
		{ID: "sub-old", Resource: "/planner/allTasks", Mode: ModePlanner, State: StateActive, ExpiresAt: time.Now().Add(time.Hour)},
		{ID: "sub-gone", Resource: "/chats/getAllMessages", Mode: ModeGlobal, State: StateDeleted},
	}
	require.NoError(t, s.SetJSON(ctx, keys.SubRegistry(), leftBehind, 0))

	m := New(client, fakeChatLister{}, s, keys, testConfig(), nil)
	m.loadRegistry(ctx)

	m.mu.Lock()
	require.Len(t, m.records, 1, "deleted registry entries must not be resumed")
	assert.Equal(t, "sub-old", m.records["sub-old"].ID)
	m.mu.Unlock()

	assert.True(t, m.hasMode(ModePlanner))
	assert.False(t, m.hasMode(ModeGlobal))
}

func TestVerifyClientState(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, m.createPlannerSubscription(ctx))

	var subID string
	m.mu.Lock()
	for id := range m.records {
		subID = id
	}
	m.mu.Unlock()

	stored, _, _ := s.Get(ctx, store.Keys{Prefix: "taskbridge"}.SubClientState(subID))

	ok, err := m.VerifyClientState(ctx, subID, stored)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifyClientState(ctx, subID, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepRenewsSubscriptionsNearingExpiry(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	cfg := testConfig()
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.createPlannerSubscription(ctx))

	m.mu.Lock()
	for _, rec := range m.records {
		rec.ExpiresAt = time.Now().Add(5 * time.Minute) // inside the 20 min renew window
	}
	m.mu.Unlock()

	m.sweep(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	for _, rec := range m.records {
		assert.Equal(t, StateActive, rec.State)
		assert.True(t, rec.ExpiresAt.After(time.Now().Add(30*time.Minute)))
	}
}

func TestSweepRecreatesOnRenewalFailure(t *testing.T) {
	client := &fakeClient{renewErr: errors.New("renew failed")}
	s := store.NewMemoryStore()
	cfg := testConfig()
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.createPlannerSubscription(ctx))

	m.mu.Lock()
	for _, rec := range m.records {
		rec.ExpiresAt = time.Now().Add(5 * time.Minute)
	}
	m.mu.Unlock()

	m.sweep(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1, "a failed renewal should recreate the subscription, keeping one record")
	assert.NotEmpty(t, client.deleted)
}

func TestDrainTearsDownAllSubscriptions(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	cfg := testConfig()
	cfg.ReleaseOnShutdown = true
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.createPlannerSubscription(ctx))
	require.NoError(t, m.createChatSubscription(ctx))

	require.NoError(t, m.Drain(ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.records)
	assert.Len(t, client.deleted, 2)
}

func TestDrainLeavesSubscriptionsByDefault(t *testing.T) {
	client := &fakeClient{}
	s := store.NewMemoryStore()
	cfg := testConfig() // ReleaseOnShutdown defaults to false
	m := New(client, fakeChatLister{}, s, store.Keys{Prefix: "taskbridge"}, cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.createPlannerSubscription(ctx))
	require.NoError(t, m.createChatSubscription(ctx))

	require.NoError(t, m.Drain(ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.records, 2, "subscriptions survive Drain unless ReleaseOnShutdown is set")
	assert.Empty(t, client.deleted)
}
