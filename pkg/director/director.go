// Package director implements run registration, spec claiming, result
// merging and the run lifecycle on top of the shared store. It holds no
// state of its own: every replica of the service can serve any request.
package director

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

// Director is the coordination service used by the worker and query APIs.
type Director interface {
	// Registry.
	CreateRun(ctx context.Context, req *RunRequest) (*CreateRunResponse, error)
	GetRun(ctx context.Context, runID string) (*RunView, error)
	GetGroup(ctx context.Context, runID, groupID string) (*GroupView, error)
	ListRuns(ctx context.Context, projectID string, limit int) ([]RunView, error)
	ListInstances(ctx context.Context, runID, groupID string) ([]InstanceView, error)
	GetInstance(ctx context.Context, instanceID string) (*InstanceView, error)

	// Scheduler.
	ClaimNextSpec(
		ctx context.Context, runID, groupID string, worker WorkerContext,
	) (*Claim, error)

	// Merger.
	ReportInstanceTests(
		ctx context.Context, instanceID string, tests []results.Test,
	) (*InstanceView, error)
	MergeInstanceResults(
		ctx context.Context, instanceID string, update *results.Update,
	) (*InstanceView, error)
	AttachArtifactURL(
		ctx context.Context, instanceID, kind, artifactID, url string,
	) error

	// Lifecycle.
	EvaluateRun(ctx context.Context, runID string) (store.State, error)
}

// Option configures a Director.
type Option func(*director)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *director) {
		d.now = now
	}
}

// Compile-time interface check.
var _ Director = (*director)(nil)

type director struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	dispatcher hooks.Dispatcher
	now        func() time.Time
}

// New creates a Director. dispatcher may be nil to disable notifications.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	dispatcher hooks.Dispatcher,
	opts ...Option,
) Director {
	d := &director{
		log:        log.WithField("component", "director"),
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// emit hands an event to the dispatcher. It never blocks on delivery.
func (d *director) emit(
	eventType hooks.EventType, run *store.Run, group *store.Group, inst *store.Instance,
) {
	if d.dispatcher == nil {
		return
	}

	d.dispatcher.Dispatch(hooks.Event{
		Type:      eventType,
		Run:       *run,
		Group:     *group,
		Instance:  inst,
		RunURL:    d.runURL(run.RunID),
		Timestamp: d.now(),
	})
}

func (d *director) runURL(runID string) string {
	if d.cfg.Server.DashboardURL == "" {
		return ""
	}

	return strings.TrimSuffix(d.cfg.Server.DashboardURL, "/") + "/run/" + runID
}

// storageErr maps store errors onto the public error taxonomy.
func storageErr(op, kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}

	return &StorageError{Op: op, Err: err}
}
