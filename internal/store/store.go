// Package store persists tasks, occurrences and executions. All writes are
// upserts on the primary key: adding a record whose id already exists
// replaces the prior record.
package store

import (
	"context"
	"errors"
	"time"

	"planflow/internal/domain"
)

// ErrNotFound marks lookups of ids absent from the current snapshot.
var ErrNotFound = errors.New("not found")

type Repository interface {
	// AddTask stores a task definition, minting an id when t.ID is empty.
	AddTask(ctx context.Context, t domain.TaskDefinition) (string, error)
	GetTask(ctx context.Context, id string) (domain.TaskDefinition, error)
	ListTasks(ctx context.Context) ([]domain.TaskDefinition, error)
	RemoveTask(ctx context.Context, id string) error

	AddOccurrence(ctx context.Context, occ domain.TaskOccurrence) error
	GetOccurrence(ctx context.Context, id string) (domain.TaskOccurrence, error)
	ListOccurrences(ctx context.Context) ([]domain.TaskOccurrence, error)
	// ListDue returns occurrences scheduled at or before now.
	ListDue(ctx context.Context, now time.Time) ([]domain.TaskOccurrence, error)

	AddExecution(ctx context.Context, exec domain.TaskExecution) error
	ListExecutions(ctx context.Context) ([]domain.TaskExecution, error)
}
