package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/outreach/pkg/schema"
)

// MemoryStore is an in-process Store. State is lost when the process exits.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	activity  map[string][]*ActivityEvent
	approvals map[string]*ApprovalRequest
	tickets   []*DispatchTicket
	actors    map[string]*ActorState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		activity:  make(map[string][]*ActivityEvent),
		approvals: make(map[string]*ApprovalRequest),
		actors:    make(map[string]*ActorState),
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := run.Clone()
	cp.StartedAt = timeOrNow(cp.StartedAt)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return run.Clone(), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return storeNotFound("run", run.ID)
	}
	cp := run.Clone()
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, run := range m.runs {
		if filter.OwnerID != "" && run.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, run.Status) {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []schema.RunStatus, s schema.RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Activity ---

func (m *MemoryStore) AppendActivity(_ context.Context, event *ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = int64(len(m.activity[event.RunID]) + 1)

	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	m.activity[event.RunID] = append(m.activity[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListActivity(_ context.Context, runID string, afterSeq int64, limit int) ([]*ActivityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ActivityEvent
	for _, e := range m.activity[runID] {
		if e.Sequence <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[req.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already exists", req.ID)
	}
	cp := *req
	if cp.Decision == "" {
		cp.Decision = schema.DecisionPending
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.approvals[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, storeNotFound("approval", id)
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) ResolveApproval(_ context.Context, id string, decision schema.Decision, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[id]
	if !ok {
		return storeNotFound("approval", id)
	}
	if req.Decision != schema.DecisionPending {
		return alreadyResolved(id)
	}
	req.Decision = decision
	req.ResolvedBy = resolvedBy
	req.ResolvedAt = &at
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalRequest
	for _, req := range m.approvals {
		if filter.OwnerID != "" && req.OwnerID != filter.OwnerID {
			continue
		}
		if filter.RunID != "" && req.RunID != filter.RunID {
			continue
		}
		if filter.Decision != "" && req.Decision != filter.Decision {
			continue
		}
		if filter.ExpiredBy != nil && (req.ExpiresAt == nil || req.ExpiresAt.After(*filter.ExpiredBy)) {
			continue
		}
		if filter.ActiveRunsOnly {
			if run, ok := m.runs[req.RunID]; !ok || run.Status.IsTerminal() {
				continue
			}
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Dispatch ---

func (m *MemoryStore) CreateTicket(_ context.Context, t *DispatchTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.tickets = append(m.tickets, &cp)
	return nil
}

func (m *MemoryStore) UpdateTicket(_ context.Context, t *DispatchTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tickets {
		if existing.ID == t.ID {
			existing.Result = t.Result
			existing.ExternalRef = t.ExternalRef
			existing.Error = t.Error
			existing.DispatchedAt = t.DispatchedAt
			return nil
		}
	}
	return storeNotFound("dispatch ticket", t.ID)
}

func (m *MemoryStore) ListTickets(_ context.Context, filter TicketFilter) ([]*DispatchTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DispatchTicket
	for _, t := range m.tickets {
		if filter.ActorID != "" && t.ActorID != filter.ActorID {
			continue
		}
		if filter.RunID != "" && t.RunID != filter.RunID {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetActorState(_ context.Context, actorID string) (*ActorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.actors[actorID]
	if !ok {
		return &ActorState{ActorID: actorID}, nil
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) SaveActorState(_ context.Context, st *ActorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	m.actors[st.ActorID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
