package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/adapters"
	"github.com/fieldsync/fieldsync/internal/changes"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/ignore"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/ratelimit"
	"github.com/fieldsync/fieldsync/internal/repository"
	"github.com/fieldsync/fieldsync/internal/scheduler"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	rows  map[string][]models.Row
	err   error
	calls map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, src *models.Source) (*models.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[src.ExternalID]++
	if f.err != nil {
		return nil, f.err
	}
	return &models.FetchResult{
		Rows:   f.rows[src.ExternalID],
		Cursor: fmt.Sprintf("%s-%d", src.ExternalID, f.calls[src.ExternalID]),
	}, nil
}

func (f *fakeFetcher) set(externalID string, rows ...models.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string][]models.Row)
	}
	f.rows[externalID] = rows
}

type recordingPublisher struct {
	events.Noop
	mu      sync.Mutex
	changes []*events.ChangeEvent
}

func (p *recordingPublisher) PublishChange(_ context.Context, e *events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, e)
	return nil
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(context.Context, *models.Source, string, json.RawMessage) (any, error) {
	return nil, errors.New("unparseable")
}

// flakyTx fails the next failures envelope creates made inside a transaction.
type flakyTx struct {
	repo     *repository.InMemoryRepository
	failures int
}

func (f *flakyTx) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return f.repo.WithTx(ctx, func(tx repository.Tx) error {
		return fn(flakyCreates{Tx: tx, owner: f})
	})
}

type flakyCreates struct {
	repository.Tx
	owner *flakyTx
}

func (s flakyCreates) CreateEnvelope(ctx context.Context, e *models.Envelope) error {
	if s.owner.failures > 0 {
		s.owner.failures--
		return errors.New("outbox unavailable")
	}
	return s.Tx.CreateEnvelope(ctx, e)
}

type fixture struct {
	repo      *repository.InMemoryRepository
	clock     *clock.Fake
	sched     *scheduler.Scheduler
	outbox    *outbox.Outbox
	rules     *ignore.Service
	fetcher   *fakeFetcher
	publisher *recordingPublisher
	deps      Dependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clock.NewFake(epoch)
	repo := repository.NewInMemoryRepository()

	l, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{Limit: 1000, Period: time.Second},
		ratelimit.WithClock(fake))
	require.NoError(t, err)
	reg := ratelimit.NewRegistry()
	require.NoError(t, reg.Register(DefaultBucket, l))

	f := &fixture{
		repo:      repo,
		clock:     fake,
		sched:     scheduler.New(repo, scheduler.Config{}, scheduler.WithClock(fake), scheduler.WithRandom(func() float64 { return 0.5 })),
		outbox:    outbox.New(repo, fake, nil),
		rules:     ignore.NewService(repo, ignore.DefaultConfig(), fake, nil),
		fetcher:   &fakeFetcher{},
		publisher: &recordingPublisher{},
	}
	f.deps = Dependencies{
		Scheduler:  f.sched,
		Detector:   changes.NewDetector(repo, changes.DefaultConfig(), nil),
		Outbox:     f.outbox,
		Tx:         repo,
		Limiter:    reg,
		Fetcher:    f.fetcher,
		Normalizer: adapters.PassthroughNormalizer{},
		Rules:      f.rules,
		Publisher:  f.publisher,
	}
	return f
}

func (f *fixture) poller(cfg Config) *Poller {
	return New(f.deps, cfg, WithClock(f.clock))
}

func (f *fixture) register(t *testing.T, externalID string) *models.Source {
	t.Helper()
	src, err := f.sched.Register(context.Background(), models.SourceTypeForm, externalID, time.Minute)
	require.NoError(t, err)
	return src
}

func row(id, recipient string, fields map[string]string) models.Row {
	r := models.Row{ID: id, Recipient: recipient, Fields: make(map[string]json.RawMessage)}
	for k, v := range fields {
		r.Fields[k] = json.RawMessage(v)
	}
	return r
}

func TestRunOnce_FirstSightingThenChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.register(t, "form-1")

	f.fetcher.set("form-1", row("r1", "Ada@Example.com", map[string]string{
		"email": `"ada@example.com"`,
		"name":  `"Ada"`,
	}))

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Polled)
	assert.Zero(t, stats.Changes, "first sighting only seeds baselines")

	queued, err := f.outbox.Queued(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)

	stored, err := f.repo.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "form-1-1", stored.Cursor)
	assert.Equal(t, epoch.Add(time.Minute), stored.NextPollAt)
	require.NotNil(t, stored.LastSuccessfulPollAt)

	f.fetcher.set("form-1", row("r1", "Ada@Example.com", map[string]string{
		"email": `"ada@newmail.example"`,
		"name":  `"Ada"`,
	}))
	f.clock.Advance(time.Minute)

	stats, err = f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Changes)

	queued, err = f.outbox.Queued(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	env := queued[0]
	assert.Equal(t, "ada@example.com", env.Recipient)
	assert.JSONEq(t, `{"row_id":"r1","field":"email","value":"ada@newmail.example"}`, string(env.Payload))
	assert.JSONEq(t, `"ada@example.com"`, string(env.Before))
	assert.JSONEq(t, `"ada@newmail.example"`, string(env.After))
	assert.Equal(t, models.Provenance{
		Kind:       models.ProvenanceSource,
		SourceType: models.SourceTypeForm,
		SourceID:   src.ID,
		RowID:      "r1",
		FieldID:    "email",
	}, env.Provenance)

	require.Len(t, f.publisher.changes, 1)
	assert.Equal(t, env.ID, f.publisher.changes[0].EnvelopeID)
}

func TestRunOnce_KeyOrderIsNotAChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "form-1")

	f.fetcher.set("form-1", row("r1", "ada@example.com", map[string]string{"address": `{"city":"Paris","zip":"75001"}`}))
	_, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)

	f.fetcher.set("form-1", row("r1", "ada@example.com", map[string]string{"address": `{"zip":"75001","city":"Paris"}`}))
	f.clock.Advance(time.Minute)

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Polled)
	assert.Zero(t, stats.Changes)
}

func TestRunOnce_IgnoredRowsAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.register(t, "form-1")

	_, err := f.rules.Create(ctx, models.SourceTypeForm, `^test-`)
	require.NoError(t, err)

	f.fetcher.set("form-1",
		row("r1", "ada@example.com", map[string]string{"email": `"a"`}),
		row("test-2", "bob@example.com", map[string]string{"email": `"b"`}),
	)

	_, err = f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)

	_, err = f.repo.GetBaseline(ctx, models.BaselineKey{SourceID: src.ID, RowID: "r1", FieldID: "email"})
	assert.NoError(t, err)
	_, err = f.repo.GetBaseline(ctx, models.BaselineKey{SourceID: src.ID, RowID: "test-2", FieldID: "email"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunOnce_RowWithoutRecipientIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.register(t, "form-1")

	f.fetcher.set("form-1", row("r1", "  ", map[string]string{"email": `"a"`}))

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	_, err = f.repo.GetBaseline(ctx, models.BaselineKey{SourceID: src.ID, RowID: "r1", FieldID: "email"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunOnce_FetchFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.register(t, "form-1")
	f.fetcher.err = errors.New("upstream 500")

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	stored, err := f.repo.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.Contains(t, stored.ErrorDetail["error"], "upstream 500")
	assert.Equal(t, epoch.Add(3*time.Minute), stored.NextPollAt)
	require.NotNil(t, stored.LastPollAttemptedAt)
	assert.Nil(t, stored.LastSuccessfulPollAt)
}

func TestRunOnce_NormalizerFailureFailsPoll(t *testing.T) {
	f := newFixture(t)
	f.deps.Normalizer = failingNormalizer{}
	f.register(t, "form-1")
	f.fetcher.set("form-1", row("r1", "ada@example.com", map[string]string{"email": `"a"`}))

	stats, err := f.poller(Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestRunOnce_EnqueueFailureKeepsChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.register(t, "form-1")
	flaky := &flakyTx{repo: f.repo}
	f.deps.Tx = flaky

	f.fetcher.set("form-1", row("r1", "ada@example.com", map[string]string{
		"email": `"ada@example.com"`,
		"name":  `"Ada"`,
	}))
	_, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)

	f.fetcher.set("form-1", row("r1", "ada@example.com", map[string]string{
		"email": `"ada@newmail.example"`,
		"name":  `"Ada L."`,
	}))
	f.clock.Advance(time.Minute)
	flaky.failures = 1

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Changes)

	for _, field := range []string{"email", "name"} {
		b, err := f.repo.GetBaseline(ctx, models.BaselineKey{SourceID: src.ID, RowID: "r1", FieldID: field})
		require.NoError(t, err)
		assert.Equal(t, epoch, b.ValueLastUpdatedAt, "%s baseline advanced without an envelope", field)
	}
	queued, err := f.outbox.Queued(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
	assert.Empty(t, f.publisher.changes)

	stored, err := f.repo.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorDetail["error"], "outbox unavailable")
	f.clock.Set(stored.NextPollAt)

	stats, err = f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 2, stats.Changes)

	queued, err = f.outbox.Queued(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	fields := []string{queued[0].Provenance.FieldID, queued[1].Provenance.FieldID}
	assert.ElementsMatch(t, []string{"email", "name"}, fields)
	assert.Len(t, f.publisher.changes, 2)
}

func TestRunOnce_NotDueIsNotPolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "form-1")

	_, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)

	stats, err := f.poller(Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Due)
	assert.Equal(t, 1, f.fetcher.calls["form-1"])
}

func TestRunOnce_CompetingPollersPollOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const sources = 6
	for i := 0; i < sources; i++ {
		f.register(t, fmt.Sprintf("form-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.poller(Config{Workers: 2}).RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f.fetcher.mu.Lock()
	defer f.fetcher.mu.Unlock()
	require.Len(t, f.fetcher.calls, sources)
	for id, n := range f.fetcher.calls {
		assert.Equal(t, 1, n, "source %s polled more than once", id)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.register(t, "form-1")
	p := f.poller(Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		f.fetcher.mu.Lock()
		defer f.fetcher.mu.Unlock()
		return f.fetcher.calls["form-1"] == 1
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}
