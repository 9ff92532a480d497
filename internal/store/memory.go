package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"planflow/internal/domain"
)

// memRepo is a map-backed Repository for single-process use and tests.
type memRepo struct {
	mu    sync.RWMutex
	tasks map[string]domain.TaskDefinition
	occs  map[string]domain.TaskOccurrence
	execs map[string]domain.TaskExecution
}

func NewMemoryRepo() Repository {
	return &memRepo{
		tasks: map[string]domain.TaskDefinition{},
		occs:  map[string]domain.TaskOccurrence{},
		execs: map[string]domain.TaskExecution{},
	}
}

func (r *memRepo) AddTask(_ context.Context, t domain.TaskDefinition) (string, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return t.ID, nil
}

func (r *memRepo) GetTask(_ context.Context, id string) (domain.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.TaskDefinition{}, ErrNotFound
	}
	return t, nil
}

func (r *memRepo) ListTasks(_ context.Context) ([]domain.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]domain.TaskDefinition, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (r *memRepo) RemoveTask(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

func (r *memRepo) AddOccurrence(_ context.Context, occ domain.TaskOccurrence) error {
	r.mu.Lock()
	r.occs[occ.ID] = occ
	r.mu.Unlock()
	return nil
}

func (r *memRepo) GetOccurrence(_ context.Context, id string) (domain.TaskOccurrence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	occ, ok := r.occs[id]
	if !ok {
		return domain.TaskOccurrence{}, ErrNotFound
	}
	return occ, nil
}

func (r *memRepo) ListOccurrences(_ context.Context) ([]domain.TaskOccurrence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	occs := make([]domain.TaskOccurrence, 0, len(r.occs))
	for _, occ := range r.occs {
		occs = append(occs, occ)
	}
	sort.Slice(occs, func(i, j int) bool { return occs[i].ScheduledFor.Before(occs[j].ScheduledFor) })
	return occs, nil
}

func (r *memRepo) ListDue(_ context.Context, now time.Time) ([]domain.TaskOccurrence, error) {
	all, _ := r.ListOccurrences(context.Background())
	due := all[:0]
	for _, occ := range all {
		if !occ.ScheduledFor.After(now) {
			due = append(due, occ)
		}
	}
	return due, nil
}

func (r *memRepo) AddExecution(_ context.Context, exec domain.TaskExecution) error {
	r.mu.Lock()
	r.execs[exec.OccurrenceID] = exec
	r.mu.Unlock()
	return nil
}

func (r *memRepo) ListExecutions(_ context.Context) ([]domain.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execs := make([]domain.TaskExecution, 0, len(r.execs))
	for _, exec := range r.execs {
		execs = append(execs, exec)
	}
	return execs, nil
}
