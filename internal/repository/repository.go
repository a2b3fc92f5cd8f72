// Package repository defines the persistence interfaces. Concrete backends
// live in subpackages (sqlite).
package repository

import (
	"context"

	"github.com/sakif/python-executor/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// ExecutionHistory stores the audit trail of completed execution calls.
type ExecutionHistory interface {
	SaveExecution(ctx context.Context, rec *model.ExecutionRecord) error
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]model.ExecutionRecord, error)
}
