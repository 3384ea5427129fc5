// Package store persists runs, groups, specs, instances and artifacts.
// Every operation that other replicas may race on is a single transaction
// guarded by compare-and-swap columns, so the store is safe to share between
// any number of stateless director processes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/director/pkg/config"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap guard lost a race.
	ErrConflict = errors.New("concurrent modification")
	// ErrGroupClosed is returned when a claim targets a run or group that
	// is no longer running.
	ErrGroupClosed = errors.New("group is not running")
)

// Store provides persistence for director state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Runs and groups.
	CreateRun(
		ctx context.Context, run *Run, groups []GroupSpecs,
	) (*CreateRunResult, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, projectID string, limit int) ([]Run, error)
	ListRunningRuns(ctx context.Context, idleSince time.Time) ([]Run, error)
	GetGroup(ctx context.Context, runID, groupID string) (*Group, error)
	ListGroups(ctx context.Context, runID string) ([]Group, error)
	ListSpecs(ctx context.Context, runID, groupID string) ([]Spec, error)

	// Claims.
	NextClaimCandidate(
		ctx context.Context, runID, groupID string, staleBefore time.Time,
	) (*Spec, error)
	ClaimSpec(ctx context.Context, params ClaimParams) error

	// Instances.
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	ListInstances(ctx context.Context, runID, groupID string) ([]Instance, error)
	CommitInstance(
		ctx context.Context, params CommitParams,
	) (*CommitResult, error)

	// Artifacts.
	UpsertArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(
		ctx context.Context, instanceIDs ...string,
	) ([]Artifact, error)

	// Lifecycle.
	TransitionGroup(
		ctx context.Context, runID, groupID string, to State, at time.Time,
	) (bool, error)
	TransitionRun(
		ctx context.Context, runID string, to State, at time.Time,
	) (*RunTransition, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite serializes writers anyway, and every ":memory:" connection
		// would otherwise get its own empty database.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Group{},
		&Spec{},
		&Instance{},
		&Artifact{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}
