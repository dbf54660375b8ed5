// Package postgresql provides the PostgreSQL persistence implementation for
// workflow executions, node executions and pauses.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	executionRepo     *WorkflowExecutionRepository
	nodeExecutionRepo *NodeExecutionRepository
	pauseRepo         *PauseRepository
	draftVariableRepo *DraftVariableRepository
	messageRepo       *MessageRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs schema
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:                database,
		logger:            logger,
		executionRepo:     NewWorkflowExecutionRepository(database, logger),
		nodeExecutionRepo: NewNodeExecutionRepository(database, logger),
		pauseRepo:         NewPauseRepository(database, logger),
		draftVariableRepo: NewDraftVariableRepository(database, logger),
		messageRepo:       NewMessageRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) NodeExecutionRepository() persistence.NodeExecutionRepository {
	return p.nodeExecutionRepo
}

func (p *Persistence) PauseRepository() persistence.PauseRepository {
	return p.pauseRepo
}

func (p *Persistence) DraftVariableRepository() persistence.DraftVariableRepository {
	return p.draftVariableRepo
}

func (p *Persistence) MessageRepository() persistence.MessageRepository {
	return p.messageRepo
}
