package repository

import (
	"context"

	"subdomain-auth-bridge/internal/audit/domain"
)

// Repository defines persistence for access decision records.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	ListBySubdomain(ctx context.Context, subdomain string, limit, offset int32) ([]*domain.Record, error)
	Create(ctx context.Context, r *domain.Record) error
}
