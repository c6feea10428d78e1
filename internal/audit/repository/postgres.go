package repository

import (
	"context"
	"database/sql"
	"errors"

	"subdomain-auth-bridge/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a decision record repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the record for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, subdomain, user_id, decision, reason, ip, metadata, created_at
		 FROM access_decisions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListBySubdomain returns records for the given subdomain, newest first,
// paginated by limit and offset. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListBySubdomain(ctx context.Context, subdomain string, limit, offset int32) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subdomain, user_id, decision, reason, ip, metadata, created_at
		 FROM access_decisions WHERE subdomain = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, subdomain, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create persists the record. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) error {
	uid := sql.NullString{String: rec.UserID, Valid: rec.UserID != ""}
	meta := sql.NullString{String: rec.Metadata, Valid: rec.Metadata != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_decisions (id, subdomain, user_id, decision, reason, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Subdomain, uid, rec.Decision, rec.Reason, rec.IP, meta, rec.CreatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	var uid, meta sql.NullString
	if err := s.Scan(&rec.ID, &rec.Subdomain, &uid, &rec.Decision, &rec.Reason, &rec.IP, &meta, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.UserID = uid.String
	rec.Metadata = meta.String
	return &rec, nil
}
