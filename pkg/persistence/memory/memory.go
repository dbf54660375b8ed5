// Package memory provides an in-memory persistence implementation used by
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// Persistence bundles the in-memory repositories behind one mutex. All
// repositories share it so cross-repository reads observe consistent state.
type Persistence struct {
	mu sync.Mutex

	executions     map[string]*models.WorkflowExecution
	nodeExecutions []*models.NodeExecution
	pauses         map[string]*models.PauseSnapshot
	draftVariables map[string]*models.DraftVariable
	messages       map[string]*models.Message
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		executions:     make(map[string]*models.WorkflowExecution),
		pauses:         make(map[string]*models.PauseSnapshot),
		draftVariables: make(map[string]*models.DraftVariable),
		messages:       make(map[string]*models.Message),
	}
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return &workflowExecutionRepository{p: p}
}

func (p *Persistence) NodeExecutionRepository() persistence.NodeExecutionRepository {
	return &nodeExecutionRepository{p: p}
}

func (p *Persistence) PauseRepository() persistence.PauseRepository {
	return &pauseRepository{p: p}
}

func (p *Persistence) DraftVariableRepository() persistence.DraftVariableRepository {
	return &draftVariableRepository{p: p}
}

func (p *Persistence) MessageRepository() persistence.MessageRepository {
	return &messageRepository{p: p}
}

// NodeExecutions returns a snapshot of every stored node execution in
// insertion order.
func (p *Persistence) NodeExecutions() []*models.NodeExecution {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshots := make([]*models.NodeExecution, 0, len(p.nodeExecutions))

	for _, execution := range p.nodeExecutions {
		snapshot := *execution
		snapshots = append(snapshots, &snapshot)
	}

	return snapshots
}

type workflowExecutionRepository struct {
	p *Persistence
}

func (r *workflowExecutionRepository) Save(_ context.Context, execution *models.WorkflowExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	snapshot := *execution
	r.p.executions[execution.ID] = &snapshot

	return nil
}

func (r *workflowExecutionRepository) Get(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Get", id, persistence.ErrWorkflowExecutionNotFound)
	}

	snapshot := *execution

	return &snapshot, nil
}

func (r *workflowExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var max int64

	for _, existing := range r.p.executions {
		if existing.WorkflowID == execution.WorkflowID && existing.SequenceNumber > max {
			max = existing.SequenceNumber
		}
	}

	execution.SequenceNumber = max + 1

	snapshot := *execution
	r.p.executions[execution.ID] = &snapshot

	return nil
}

type nodeExecutionRepository struct {
	p *Persistence
}

func (r *nodeExecutionRepository) Save(_ context.Context, execution *models.NodeExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	snapshot := *execution

	for i, existing := range r.p.nodeExecutions {
		if existing.ID == execution.ID {
			r.p.nodeExecutions[i] = &snapshot

			return nil
		}
	}

	r.p.nodeExecutions = append(r.p.nodeExecutions, &snapshot)

	return nil
}

func (r *nodeExecutionRepository) GetByNodeExecutionID(_ context.Context, workflowRunID, nodeExecutionID string) (*models.NodeExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	// Retries append records sharing the logical id; the latest one wins.
	for i := len(r.p.nodeExecutions) - 1; i >= 0; i-- {
		execution := r.p.nodeExecutions[i]
		if execution.WorkflowRunID == workflowRunID && execution.NodeExecutionID == nodeExecutionID {
			snapshot := *execution

			return &snapshot, nil
		}
	}

	return nil, persistence.NewExecutionError("GetByNodeExecutionID", workflowRunID, persistence.ErrNodeExecutionNotFound)
}

func (r *nodeExecutionRepository) GetRunningExecutions(_ context.Context, workflowRunID string) ([]*models.NodeExecution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var running []*models.NodeExecution

	for _, execution := range r.p.nodeExecutions {
		if execution.WorkflowRunID == workflowRunID && execution.Status == models.NodeExecutionStatusRunning {
			snapshot := *execution
			running = append(running, &snapshot)
		}
	}

	sort.Slice(running, func(i, j int) bool { return running[i].Index < running[j].Index })

	return running, nil
}

type pauseRepository struct {
	p *Persistence
}

func (r *pauseRepository) Create(_ context.Context, pause *models.PauseSnapshot) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if pause.ID == "" {
		pause.ID = uuid.New().String()
	}

	snapshot := *pause
	r.p.pauses[pause.ID] = &snapshot

	return nil
}

func (r *pauseRepository) GetActiveByRunID(_ context.Context, workflowRunID string) (*models.PauseSnapshot, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, pause := range r.p.pauses {
		if pause.WorkflowRunID == workflowRunID && !pause.Resumed() {
			snapshot := *pause

			return &snapshot, nil
		}
	}

	return nil, persistence.NewExecutionError("GetActiveByRunID", workflowRunID, persistence.ErrPauseNotFound)
}

func (r *pauseRepository) MarkResumed(_ context.Context, pauseID string, resumedAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	pause, ok := r.p.pauses[pauseID]
	if !ok {
		return persistence.NewExecutionError("MarkResumed", "", persistence.ErrPauseNotFound)
	}

	if pause.Resumed() {
		return persistence.NewExecutionError("MarkResumed", pause.WorkflowRunID, persistence.ErrPauseAlreadyResumed)
	}

	resumed := resumedAt
	pause.ResumedAt = &resumed

	return nil
}

func (r *pauseRepository) Delete(_ context.Context, pauseID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	delete(r.p.pauses, pauseID)

	return nil
}

func (r *pauseRepository) FindExpired(_ context.Context, expiration, resumptionExpiration time.Time, limit int) ([]*models.PauseSnapshot, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var expired []*models.PauseSnapshot

	for _, pause := range r.p.pauses {
		if pause.Resumed() {
			if pause.ResumedAt.Before(resumptionExpiration) {
				snapshot := *pause
				expired = append(expired, &snapshot)
			}
		} else if pause.CreatedAt.Before(expiration) {
			snapshot := *pause
			expired = append(expired, &snapshot)
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}

type draftVariableRepository struct {
	p *Persistence
}

func (r *draftVariableRepository) Save(_ context.Context, variable *models.DraftVariable) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if variable.ID == "" {
		variable.ID = uuid.New().String()
	}

	snapshot := *variable
	r.p.draftVariables[variable.NodeID+"/"+variable.NodeExecutionID] = &snapshot

	return nil
}

func (r *draftVariableRepository) GetByNodeExecution(_ context.Context, nodeID, nodeExecutionID string) (*models.DraftVariable, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	variable, ok := r.p.draftVariables[nodeID+"/"+nodeExecutionID]
	if !ok {
		return nil, persistence.NewExecutionError("GetByNodeExecution", "", persistence.ErrNodeExecutionNotFound)
	}

	snapshot := *variable

	return &snapshot, nil
}

type messageRepository struct {
	p *Persistence
}

func (r *messageRepository) Save(_ context.Context, message *models.Message) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	snapshot := *message
	r.p.messages[message.ID] = &snapshot

	return nil
}

func (r *messageRepository) Get(_ context.Context, id string) (*models.Message, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	message, ok := r.p.messages[id]
	if !ok {
		return nil, persistence.NewExecutionError("Get", "", persistence.ErrMessageNotFound)
	}

	snapshot := *message

	return &snapshot, nil
}
