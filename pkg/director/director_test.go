package director_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/director"
	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recordingDispatcher) Start(context.Context) error { return nil }
func (r *recordingDispatcher) Stop() error                 { return nil }

func (r *recordingDispatcher) Dispatch(event hooks.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recordingDispatcher) Count(eventType hooks.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}

	return n
}

func (r *recordingDispatcher) Last(eventType hooks.EventType) *hooks.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			e := r.events[i]

			return &e
		}
	}

	return nil
}

type harness struct {
	d      director.Director
	store  store.Store
	events *recordingDispatcher
	clock  *clock
}

func setup(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Server: config.ServerConfig{DashboardURL: "https://dash.example.com/"},
		Scheduler: config.SchedulerConfig{
			DefaultInactivityTimeout: "1m",
			ClaimRetries:             50,
			MergeRetries:             50,
		},
		Hooks: config.HooksConfig{
			Projects: map[string][]config.HookConfig{
				"web-app": {{ID: "team-slack", Kind: config.HookKindSlack, URL: "https://hooks.slack.test/x"}},
			},
		},
	}

	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	clk := &clock{now: t0}
	events := &recordingDispatcher{}

	return &harness{
		d:      director.New(log, cfg, st, events, director.WithClock(clk.Now)),
		store:  st,
		events: events,
		clock:  clk,
	}
}

func (h *harness) createRun(t *testing.T, req *director.RunRequest) *director.CreateRunResponse {
	t.Helper()

	res, err := h.d.CreateRun(context.Background(), req)
	require.NoError(t, err)

	return res
}

func (h *harness) claim(t *testing.T, runID, groupID, worker string) *director.Claim {
	t.Helper()

	c, err := h.d.ClaimNextSpec(context.Background(), runID, groupID, director.WorkerContext{WorkerID: worker})
	require.NoError(t, err)

	return c
}

func (h *harness) merge(t *testing.T, instanceID string, update *results.Update) *director.InstanceView {
	t.Helper()

	inst, err := h.d.MergeInstanceResults(context.Background(), instanceID, update)
	require.NoError(t, err)

	return inst
}

func timeoutMs(ms int64) *int64 {
	return &ms
}

func test(id string, state results.TestState) results.Test {
	return results.Test{TestID: id, Title: []string{id}, State: state, Attempts: 1}
}

// assertCountersConsistent checks that the incremental counters of every
// group and of the run equal a recomputation from the specs.
func assertCountersConsistent(t *testing.T, st store.Store, runID string) {
	t.Helper()

	ctx := context.Background()

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)

	groups, err := st.ListGroups(ctx, runID)
	require.NoError(t, err)

	var runTotal results.Progress

	for _, g := range groups {
		specs, err := st.ListSpecs(ctx, runID, g.GroupID)
		require.NoError(t, err)

		var expected results.Progress

		for _, s := range specs {
			expected.OverallSpecsCount++

			if s.ClaimState != store.ClaimUnclaimed {
				expected.ClaimedSpecsCount++
			}

			if s.ClaimState == store.ClaimCompleted {
				expected.CompletedSpecsCount++
			}

			expected.Tests = expected.Tests.Add(s.Contrib)
		}

		assert.Equal(t, expected, g.Progress, "group %s", g.GroupID)

		runTotal.OverallSpecsCount += g.Progress.OverallSpecsCount
		runTotal.ClaimedSpecsCount += g.Progress.ClaimedSpecsCount
		runTotal.CompletedSpecsCount += g.Progress.CompletedSpecsCount
		runTotal.Tests = runTotal.Tests.Add(g.Progress.Tests)
	}

	assert.Equal(t, runTotal, run.Progress, "run %s", runID)
}

func TestRunID(t *testing.T) {
	a := director.RunID("web-app", "build-42")

	assert.Len(t, a, 32)
	assert.Equal(t, a, director.RunID("web-app", "build-42"))
	assert.NotEqual(t, a, director.RunID("web-app", "build-43"))
	assert.NotEqual(t, a, director.RunID("api", "build-42"))
	assert.NotEqual(t, director.RunID("web-app", ""), director.RunID("web-app", ""))
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name      string
		ciBuildID string
		browser   string
		platform  string
		tags      []string
		expected  string
	}{
		{name: "ci build id", ciBuildID: "build-1", expected: "build-1"},
		{name: "default", expected: director.DefaultGroupID},
		{name: "browser", ciBuildID: "build-1", browser: "chrome", expected: "chrome"},
		{name: "browser and platform", browser: "firefox", platform: "linux", expected: "firefox-linux"},
		{name: "tags sorted", browser: "chrome", tags: []string{"smoke", "nightly"}, expected: "chrome-nightly-smoke"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, director.GroupKey(tt.ciBuildID, tt.browser, tt.platform, tt.tags))
		})
	}
}

func TestCreateRun_Validation(t *testing.T) {
	h := setup(t)

	tests := []struct {
		name  string
		req   director.RunRequest
		field string
	}{
		{
			name:  "missing project",
			req:   director.RunRequest{Specs: []string{"a.js"}},
			field: "projectId",
		},
		{
			name:  "empty specs",
			req:   director.RunRequest{ProjectID: "p"},
			field: "specs",
		},
		{
			name:  "duplicate spec",
			req:   director.RunRequest{ProjectID: "p", Specs: []string{"a.js", "a.js"}},
			field: "specs",
		},
		{
			name:  "non-positive timeout",
			req:   director.RunRequest{ProjectID: "p", Specs: []string{"a.js"}, InactivityTimeoutMs: timeoutMs(0)},
			field: "inactivityTimeoutMs",
		},
		{
			name:  "timeout overflowing a duration",
			req:   director.RunRequest{ProjectID: "p", Specs: []string{"a.js"}, InactivityTimeoutMs: timeoutMs(10_000_000_000_000)},
			field: "inactivityTimeoutMs",
		},
		{
			name: "timeout above maximum",
			req: director.RunRequest{
				ProjectID:           "p",
				Specs:               []string{"a.js"},
				InactivityTimeoutMs: timeoutMs(config.MaxInactivityTimeout.Milliseconds() + 1),
			},
			field: "inactivityTimeoutMs",
		},
		{
			name: "webhook without url",
			req: director.RunRequest{
				ProjectID: "p",
				Specs:     []string{"a.js"},
				Hooks:     []config.HookConfig{{ID: "h", Kind: config.HookKindWebhook}},
			},
			field: "hooks[0].url",
		},
		{
			name: "unknown hook kind",
			req: director.RunRequest{
				ProjectID: "p",
				Specs:     []string{"a.js"},
				Hooks:     []config.HookConfig{{ID: "h", Kind: "teams"}},
			},
			field: "hooks[0].kind",
		},
		{
			name: "group references unknown spec",
			req: director.RunRequest{
				ProjectID: "p",
				Specs:     []string{"a.js"},
				Groups:    []director.GroupRequest{{GroupID: "g", Specs: []string{"b.js"}}},
			},
			field: "groups[0].specs",
		},
		{
			name: "group with empty specs",
			req: director.RunRequest{
				ProjectID: "p",
				Specs:     []string{"a.js"},
				Groups:    []director.GroupRequest{{GroupID: "g"}},
			},
			field: "groups[0].specs",
		},
		{
			name: "duplicate group",
			req: director.RunRequest{
				ProjectID: "p",
				Specs:     []string{"a.js"},
				Groups: []director.GroupRequest{
					{GroupID: "g", Specs: []string{"a.js"}},
					{GroupID: "g", Specs: []string{"a.js"}},
				},
			},
			field: "groups[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.CreateRun(context.Background(), &tt.req)

			var verr *director.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.False(t, director.IsRetryable(err))
		})
	}

	runs, err := h.d.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateRun_SingleGroup(t *testing.T) {
	h := setup(t)

	res := h.createRun(t, &director.RunRequest{
		ProjectID: "web-app",
		CIBuildID: "build-1",
		Specs:     []string{"a.js", "b.js", "c.js"},
		Commit:    store.Commit{SHA: "abc123", Branch: "main"},
	})

	assert.True(t, res.Created)
	assert.Equal(t, []string{"build-1"}, res.AddedGroups)
	assert.Equal(t, director.RunID("web-app", "build-1"), res.Run.RunID)
	assert.Equal(t, store.StateRunning, res.Run.State)
	assert.Equal(t, int64(60_000), res.Run.InactivityTimeoutMs)
	assert.Equal(t, 3, res.Run.Progress.OverallSpecsCount)
	assert.Equal(t, 3, res.Run.NeverRunSpecsCount)
	require.Len(t, res.Run.Groups, 1)
	assert.Equal(t, "build-1", res.Run.Groups[0].GroupID)

	start := h.events.Last(hooks.EventRunStart)
	require.NotNil(t, start)
	assert.Equal(t, "build-1", start.Group.GroupID)
	assert.Equal(t, "https://dash.example.com/run/"+res.Run.RunID, start.RunURL)
	require.Len(t, start.Run.Hooks, 1, "project hooks are attached to the run")
	assert.Equal(t, "team-slack", start.Run.Hooks[0].ID)
}

func TestCreateRun_Join(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first := h.createRun(t, &director.RunRequest{
		ProjectID: "web-app",
		CIBuildID: "build-7",
		Specs:     []string{"a.js", "b.js"},
		Browser:   "chrome",
	})

	second := h.createRun(t, &director.RunRequest{
		ProjectID: "web-app",
		CIBuildID: "build-7",
		Specs:     []string{"a.js", "b.js"},
		Browser:   "firefox",
	})

	again := h.createRun(t, &director.RunRequest{
		ProjectID: "web-app",
		CIBuildID: "build-7",
		Specs:     []string{"a.js", "b.js", "c.js"},
		Browser:   "chrome",
	})

	assert.Equal(t, first.Run.RunID, second.Run.RunID)
	assert.False(t, second.Created)
	assert.Equal(t, []string{"firefox"}, second.AddedGroups)
	assert.Empty(t, again.AddedGroups, "existing groups keep their specs")

	run, err := h.d.GetRun(ctx, first.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.Progress.OverallSpecsCount)
	assert.Len(t, run.Groups, 2)
	assert.Equal(t, 2, h.events.Count(hooks.EventRunStart))

	assertCountersConsistent(t, h.store, run.RunID)
}

func TestCreateRun_ExplicitGroupsAndHooks(t *testing.T) {
	h := setup(t)

	res := h.createRun(t, &director.RunRequest{
		ProjectID:           "web-app",
		Specs:               []string{"a.js", "b.js", "c.js"},
		InactivityTimeoutMs: timeoutMs(5_000),
		Groups: []director.GroupRequest{
			{GroupID: "shard-1", Specs: []string{"a.js", "b.js"}},
			{Browser: "webkit", Specs: []string{"c.js"}},
		},
		Hooks: []config.HookConfig{
			{ID: "team-slack", Kind: config.HookKindWebhook, URL: "https://example.com/hook"},
		},
	})

	assert.Equal(t, []string{"shard-1", "webkit"}, res.AddedGroups)
	assert.Equal(t, int64(5_000), res.Run.InactivityTimeoutMs)

	start := h.events.Last(hooks.EventRunStart)
	require.NotNil(t, start)
	require.Len(t, start.Run.Hooks, 1, "request hook replaces the project hook with the same id")
	assert.Equal(t, config.HookKindWebhook, start.Run.Hooks[0].Kind)

	group, err := h.d.GetGroup(context.Background(), res.Run.RunID, "shard-1")
	require.NoError(t, err)
	require.Len(t, group.Specs, 2)
	assert.Equal(t, "a.js", group.Specs[0].Spec)
	assert.Equal(t, store.ClaimUnclaimed, group.Specs[0].ClaimState)
}

func TestQueries_NotFound(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	var nf *director.NotFoundError

	_, err := h.d.GetRun(ctx, "missing")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "run", nf.Kind)

	_, err = h.d.GetInstance(ctx, "missing")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "instance", nf.Kind)

	res := h.createRun(t, &director.RunRequest{ProjectID: "p", CIBuildID: "b", Specs: []string{"a.js"}})

	_, err = h.d.GetGroup(ctx, res.Run.RunID, "missing")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "group", nf.Kind)

	_, err = h.d.ClaimNextSpec(ctx, res.Run.RunID, "missing", director.WorkerContext{})
	require.ErrorAs(t, err, &nf)
}

func TestListRuns(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.createRun(t, &director.RunRequest{ProjectID: "web-app", CIBuildID: "1", Specs: []string{"a.js"}})
	h.clock.Advance(time.Second)
	h.createRun(t, &director.RunRequest{
		ProjectID:           "web-app",
		CIBuildID:           "2",
		Specs:               []string{"a.js"},
		InactivityTimeoutMs: timeoutMs(1_000),
	})
	h.createRun(t, &director.RunRequest{ProjectID: "api", CIBuildID: "1", Specs: []string{"a.js"}})

	h.clock.Advance(2 * time.Second)

	runs, err := h.d.ListRuns(ctx, "web-app", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, director.RunID("web-app", "2"), runs[0].RunID)
	assert.Equal(t, store.StateTimedOut, runs[0].State, "listing evaluates expired runs")
	assert.Equal(t, store.StateRunning, runs[1].State)
	assert.Nil(t, runs[0].Groups)
}

func TestListRuns_Successful(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	passed := h.createRun(t, &director.RunRequest{ProjectID: "web-app", CIBuildID: "1", Specs: []string{"a.js"}})
	c := h.claim(t, passed.Run.RunID, "1", "w1")
	h.merge(t, c.InstanceID, &results.Update{
		Tests:    []results.Test{test("t1", results.TestStatePassed)},
		Complete: true,
	})

	h.clock.Advance(time.Second)
	h.createRun(t, &director.RunRequest{
		ProjectID:           "web-app",
		CIBuildID:           "2",
		Specs:               []string{"a.js", "b.js"},
		InactivityTimeoutMs: timeoutMs(1_000),
	})

	h.clock.Advance(2 * time.Second)

	runs, err := h.d.ListRuns(ctx, "web-app", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, store.StateTimedOut, runs[0].State)
	assert.False(t, runs[0].Successful, "a timed out run is never successful")
	assert.Equal(t, 2, runs[0].NeverRunSpecsCount)

	assert.Equal(t, store.StateCompleted, runs[1].State)
	assert.True(t, runs[1].Successful)
	assert.Nil(t, runs[1].Groups)
}
