package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenSource struct {
	token string
	err   error
	calls int
}

func (s *fakeTokenSource) AccessToken(context.Context, string) (domain.RedactedString, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return domain.RedactedString(s.token), nil
}

type fakeRunRepo struct {
	mu       sync.Mutex
	runs     map[string]*domain.SyncRun
	statuses []domain.RunStatus
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]*domain.SyncRun)}
}

func (r *fakeRunRepo) CreateRun(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	r.statuses = append(r.statuses, run.Status)
	return nil
}

func (r *fakeRunRepo) UpdateRun(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	r.statuses = append(r.statuses, run.Status)
	return nil
}

func (r *fakeRunRepo) GetRun(_ context.Context, id string) (*domain.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (r *fakeRunRepo) ListRuns(_ context.Context, adapter string, limit int) ([]*domain.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var runs []*domain.SyncRun
	for _, run := range r.runs {
		if adapter != "" && run.Adapter != adapter {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

type fakeMutationFeed struct {
	mu        sync.Mutex
	mutations []*domain.Mutation
	pushed    []string
}

func (f *fakeMutationFeed) MutationsSince(_ context.Context, watermark int64, limit int) ([]*domain.Mutation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Mutation
	newWatermark := watermark
	for _, m := range f.mutations {
		if m.Sequence <= watermark || m.PushedAt != nil {
			continue
		}
		out = append(out, m)
		newWatermark = m.Sequence
		if len(out) == limit {
			break
		}
	}
	return out, newWatermark, nil
}

func (f *fakeMutationFeed) MarkPushed(_ context.Context, mutationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, m := range f.mutations {
		if m.ID == mutationID {
			m.PushedAt = &now
		}
	}
	f.pushed = append(f.pushed, mutationID)
	return nil
}

// fakeSourceClient serves scripted pages per entity type and records write
// calls. failPage, when positive, fails the Nth ListPage call overall.
type fakeSourceClient struct {
	mu       sync.Mutex
	pages    map[string][]*ports.SourcePage
	failPage int
	listCall int
	onList   func(call int)

	created   []map[string]any
	updated   []string
	deleted   []string
	createErr error
	nextExtID int
}

func (c *fakeSourceClient) ListPage(_ context.Context, _ domain.RedactedString, entityType string, offset int) (*ports.SourcePage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCall++
	if c.onList != nil {
		c.onList(c.listCall)
	}
	if c.failPage > 0 && c.listCall == c.failPage {
		return nil, domain.NewSyncError(domain.ErrConnection, "pco", entityType,
			fmt.Errorf("connection reset"))
	}
	pages := c.pages[entityType]
	if offset >= len(pages) {
		return &ports.SourcePage{}, nil
	}
	return pages[offset], nil
}

func (c *fakeSourceClient) CreateRecord(_ context.Context, _ domain.RedactedString, entityType string, attributes map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created = append(c.created, attributes)
	c.nextExtID++
	return fmt.Sprintf("ext-new-%d", c.nextExtID), nil
}

func (c *fakeSourceClient) UpdateRecord(_ context.Context, _ domain.RedactedString, entityType, externalID string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, externalID)
	return nil
}

func (c *fakeSourceClient) DeleteRecord(_ context.Context, _ domain.RedactedString, entityType, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, externalID)
	return nil
}

// indexPager walks scripted pages by treating NextOffset as a page index.
type indexPager struct {
	client     ports.SourceClient
	token      domain.RedactedString
	entityType string
	offset     int
	done       bool
}

func (p *indexPager) Next(ctx context.Context) (*ports.SourcePage, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.client.ListPage(ctx, p.token, p.entityType, p.offset)
	if err != nil {
		return nil, err
	}
	if page.NextOffset == nil {
		p.done = true
	} else {
		p.offset = *page.NextOffset
	}
	if len(page.Records) == 0 && p.done {
		return nil, nil
	}
	return page, nil
}

func (p *indexPager) Reset() {
	p.offset = 0
	p.done = false
}

func testPagerFactory(client ports.SourceClient, token domain.RedactedString, entityType string) ports.Pager {
	return &indexPager{client: client, token: token, entityType: entityType}
}

func intPtr(v int) *int { return &v }

type orchestratorEnv struct {
	orch   *Orchestrator
	links  *fakeLinkRepo
	store  *fakeEntityStore
	runs   *fakeRunRepo
	feed   *fakeMutationFeed
	client *fakeSourceClient
	tokens *fakeTokenSource
}

func newOrchestratorEnv(t *testing.T, adapter *Adapter, client *fakeSourceClient) *orchestratorEnv {
	t.Helper()
	logger := zerolog.Nop()
	registry := NewAdapterRegistry(logger)
	require.NoError(t, registry.Register(adapter))

	links := newFakeLinkRepo()
	store := newFakeEntityStore()
	runs := newFakeRunRepo()
	feed := &fakeMutationFeed{}
	tokens := &fakeTokenSource{token: "access-token"}

	orch := NewOrchestrator(registry, tokens, NewReconciler(links, store, logger),
		runs, feed, links, testPagerFactory, nil, logger)
	orch.RegisterClient(adapter.Name, client)

	return &orchestratorEnv{
		orch:   orch,
		links:  links,
		store:  store,
		runs:   runs,
		feed:   feed,
		client: client,
		tokens: tokens,
	}
}

func TestRunPullCompletes(t *testing.T) {
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{
		"people": {
			{Records: []map[string]any{personRecord("a", "Ada"), personRecord("b", "Bea")}, NextOffset: intPtr(1)},
			{Records: []map[string]any{personRecord("c", "Cal")}},
		},
	}}
	env := newOrchestratorEnv(t, testAdapter(), client)

	run, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, run.PagesFetched)
	assert.Equal(t, 3, run.RecordsSeen)
	assert.Equal(t, 3, run.LinksCreated)
	assert.Zero(t, run.LinksTombstoned)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, []domain.RunStatus{
		domain.RunStarted,
		domain.RunFetching,
		domain.RunReconciling,
		domain.RunCompleted,
	}, env.runs.statuses)

	active, err := env.links.ListActiveLinks(context.Background(), "pco", "people")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestRunPullTombstonesAbsentRecords(t *testing.T) {
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{
		"people": {
			{Records: []map[string]any{
				personRecord("a", "Ada"),
				personRecord("b", "Bea"),
				personRecord("c", "Cal"),
			}},
		},
	}}
	env := newOrchestratorEnv(t, testAdapter(), client)

	_, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)

	// The source drops C; the next pull starts after the first finished.
	client.mu.Lock()
	client.pages["people"] = []*ports.SourcePage{
		{Records: []map[string]any{personRecord("a", "Ada"), personRecord("b", "Bea")}},
	}
	client.mu.Unlock()
	env.orch.now = func() time.Time { return time.Now().Add(time.Minute) }
	env.orch.reconciler.now = env.orch.now

	run, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.LinksTombstoned)

	cLink, err := env.links.GetLinkByExternalID(context.Background(), "pco", "people", "c")
	require.NoError(t, err)
	assert.True(t, cLink.Deleted())
}

func TestRunPullFailureNeverTombstones(t *testing.T) {
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{
		"people": {
			{Records: []map[string]any{
				personRecord("a", "Ada"),
				personRecord("b", "Bea"),
				personRecord("c", "Cal"),
			}},
		},
	}}
	env := newOrchestratorEnv(t, testAdapter(), client)

	_, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)

	// Next pass fails partway through pagination.
	client.mu.Lock()
	client.pages["people"] = []*ports.SourcePage{
		{Records: []map[string]any{personRecord("a", "Ada")}, NextOffset: intPtr(1)},
		{Records: []map[string]any{personRecord("b", "Bea")}},
	}
	client.failPage = 3
	client.mu.Unlock()
	env.orch.now = func() time.Time { return time.Now().Add(time.Minute) }
	env.orch.reconciler.now = env.orch.now

	run, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Zero(t, run.LinksTombstoned)

	// B and C stay active even though the failed pass never saw them.
	active, err := env.links.ListActiveLinks(context.Background(), "pco", "people")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestRunPullSkipsDeletionDetectionWithoutFullListing(t *testing.T) {
	adapter := testAdapter()
	adapter.FullListing = false
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{
		"people": {
			{Records: []map[string]any{personRecord("a", "Ada"), personRecord("b", "Bea")}},
		},
	}}
	env := newOrchestratorEnv(t, adapter, client)

	_, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)

	client.mu.Lock()
	client.pages["people"] = []*ports.SourcePage{
		{Records: []map[string]any{personRecord("a", "Ada")}},
	}
	client.mu.Unlock()
	env.orch.now = func() time.Time { return time.Now().Add(time.Minute) }
	env.orch.reconciler.now = env.orch.now

	run, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.NoError(t, err)
	assert.Zero(t, run.LinksTombstoned)

	active, err := env.links.ListActiveLinks(context.Background(), "pco", "people")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRunPullTokenFailureFailsRun(t *testing.T) {
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{}}
	env := newOrchestratorEnv(t, testAdapter(), client)
	env.tokens.err = domain.NewSyncError(domain.ErrTokenRefresh, "pco", "",
		fmt.Errorf("refresh token revoked"))

	run, err := env.orch.RunPull(context.Background(), "pco", "pco:org-1")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Zero(t, client.listCall)
	assert.Contains(t, run.Error, "access token")
}

func TestRunPullCancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeSourceClient{pages: map[string][]*ports.SourcePage{
		"people": {
			{Records: []map[string]any{personRecord("a", "Ada")}, NextOffset: intPtr(1)},
			{Records: []map[string]any{personRecord("b", "Bea")}},
		},
	}}
	env := newOrchestratorEnv(t, testAdapter(), client)

	// Cancel while the first page is being served.
	client.onList = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	run, err := env.orch.RunPull(ctx, "pco", "pco:org-1")
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Zero(t, run.LinksTombstoned)
}

func TestRunPushSuppressesEcho(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationInsert,
			PrimaryKey: "internal-9", Values: map[string]any{"firstName": "Ada"},
			OriginAdapter: "pco"},
		{ID: "m2", Sequence: 2, Table: "people", Op: domain.MutationInsert,
			PrimaryKey: "internal-10", Values: map[string]any{"firstName": "Bea"}},
	}

	run, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, run.MutationsFiltered)
	assert.Equal(t, 1, run.MutationsSent)
	require.Len(t, client.created, 1)
	assert.Equal(t, "Bea", client.created[0]["firstName"])

	// The created record gains a link for future pulls and updates.
	link, err := env.links.GetLinkByInternalID(context.Background(), "pco", "internal-10")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "ext-new-1", link.ExternalID)
}

func TestRunPushEchoOnlySuppressedForOrigin(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)

	otherClient := &fakeSourceClient{}
	other := testAdapter()
	other.Name = "other"
	require.NoError(t, env.orch.adapters.Register(other))
	env.orch.RegisterClient("other", otherClient)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationInsert,
			PrimaryKey: "internal-9", Values: map[string]any{"firstName": "Ada"},
			OriginAdapter: "pco"},
	}

	// The same mutation is an echo for pco but real work for other.
	run, err := env.orch.RunPush(context.Background(), "other", "other:org-1", "batch-1", mutations)
	require.NoError(t, err)
	assert.Equal(t, 1, run.MutationsSent)
	assert.Zero(t, run.MutationsFiltered)
	assert.Len(t, otherClient.created, 1)
	assert.Empty(t, client.created)
}

func TestRunPushAllEchoCompletesWithoutToken(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationUpdate,
			PrimaryKey: "internal-1", OriginAdapter: "pco"},
	}

	run, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, run.MutationsFiltered)
	assert.Zero(t, env.tokens.calls)
}

func TestRunPushUpdateUsesLinkedExternalID(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)
	_, err := env.links.UpsertLink(context.Background(), &domain.ExternalLink{
		InternalID: "internal-1",
		ExternalID: "ext-9",
		Adapter:    "pco",
		EntityType: "people",
		LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationUpdate,
			PrimaryKey: "internal-1", Values: map[string]any{"firstName": "Ada"}},
	}

	run, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, []string{"ext-9"}, client.updated)
	assert.Empty(t, client.created)
}

func TestRunPushUnlinkedUpdateBecomesCreate(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationUpdate,
			PrimaryKey: "internal-1", Values: map[string]any{"firstName": "Ada"}},
	}

	_, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.NoError(t, err)
	assert.Len(t, client.created, 1)
	assert.Empty(t, client.updated)

	link, err := env.links.GetLinkByInternalID(context.Background(), "pco", "internal-1")
	require.NoError(t, err)
	require.NotNil(t, link)
}

func TestRunPushDeleteTombstonesLink(t *testing.T) {
	client := &fakeSourceClient{}
	env := newOrchestratorEnv(t, testAdapter(), client)
	_, err := env.links.UpsertLink(context.Background(), &domain.ExternalLink{
		InternalID: "internal-1",
		ExternalID: "ext-9",
		Adapter:    "pco",
		EntityType: "people",
		LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationDelete,
			PrimaryKey: "internal-1"},
	}

	run, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, []string{"ext-9"}, client.deleted)

	link, err := env.links.GetLinkByInternalID(context.Background(), "pco", "internal-1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.True(t, link.Deleted())
}

func TestRunPushPartialFailureKeepsSuccesses(t *testing.T) {
	client := &fakeSourceClient{createErr: domain.NewSyncError(domain.ErrValidation, "pco", "people",
		fmt.Errorf("missing required field"))}
	env := newOrchestratorEnv(t, testAdapter(), client)
	_, err := env.links.UpsertLink(context.Background(), &domain.ExternalLink{
		InternalID: "internal-2",
		ExternalID: "ext-2",
		Adapter:    "pco",
		EntityType: "people",
		LastSeenAt: time.Now(),
	})
	require.NoError(t, err)

	mutations := []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationInsert,
			PrimaryKey: "internal-1", Values: map[string]any{}},
		{ID: "m2", Sequence: 2, Table: "people", Op: domain.MutationUpdate,
			PrimaryKey: "internal-2", Values: map[string]any{"firstName": "Bea"}},
	}

	run, err := env.orch.RunPush(context.Background(), "pco", "pco:org-1", "batch-1", mutations)
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 1, run.MutationsFailed)
	assert.Equal(t, 1, run.MutationsSent)
	assert.Equal(t, []string{"ext-2"}, client.updated)
	assert.Equal(t, []string{"m2"}, env.feed.pushed)
}

func TestPushFromFeedEmptyFeed(t *testing.T) {
	env := newOrchestratorEnv(t, testAdapter(), &fakeSourceClient{})

	run, err := env.orch.PushFromFeed(context.Background(), "pco", "pco:org-1", "batch-1")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, env.runs.runs)
}

func TestPushFromFeedConsumesBatch(t *testing.T) {
	env := newOrchestratorEnv(t, testAdapter(), &fakeSourceClient{})
	env.feed.mutations = []*domain.Mutation{
		{ID: "m1", Sequence: 1, Table: "people", Op: domain.MutationInsert,
			PrimaryKey: "internal-1", Values: map[string]any{"firstName": "Ada"}},
	}

	run, err := env.orch.PushFromFeed(context.Background(), "pco", "pco:org-1", "batch-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, []string{"m1"}, env.feed.pushed)
}

func TestPushFromFeedConsumesSuppressedEchoes(t *testing.T) {
	env := newOrchestratorEnv(t, testAdapter(), &fakeSourceClient{})

	// Fill an entire batch worth of the feed head with echoes, with one
	// real mutation queued behind them.
	for i := 1; i <= pushBatchSize; i++ {
		env.feed.mutations = append(env.feed.mutations, &domain.Mutation{
			ID: fmt.Sprintf("echo-%d", i), Sequence: int64(i), Table: "people",
			Op: domain.MutationUpdate, PrimaryKey: fmt.Sprintf("internal-%d", i),
			OriginAdapter: "pco",
		})
	}
	env.feed.mutations = append(env.feed.mutations, &domain.Mutation{
		ID: "real-101", Sequence: int64(pushBatchSize + 1), Table: "people",
		Op: domain.MutationInsert, PrimaryKey: "internal-real",
		Values: map[string]any{"firstName": "Ada"},
	})

	run, err := env.orch.PushFromFeed(context.Background(), "pco", "pco:org-1", "batch-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, pushBatchSize, run.MutationsFiltered)
	assert.Zero(t, run.MutationsSent)

	// The echoes are consumed, so the next batch reaches the real mutation.
	run, err = env.orch.PushFromFeed(context.Background(), "pco", "pco:org-1", "batch-2")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.MutationsSent)
	assert.Contains(t, env.feed.pushed, "real-101")

	// Nothing unconsumed remains.
	run, err = env.orch.PushFromFeed(context.Background(), "pco", "pco:org-1", "batch-3")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestIdempotencyKeys(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "pull:pco:pco:org-1:2026-03-14T09", PullIdempotencyKey("pco", "pco:org-1", at))

	// Two runs within the same hour collapse to one key.
	assert.Equal(t,
		PullIdempotencyKey("pco", "pco:org-1", at),
		PullIdempotencyKey("pco", "pco:org-1", at.Add(20*time.Minute)))

	assert.Equal(t, "push:batch-1", PushIdempotencyKey("batch-1"))
}
