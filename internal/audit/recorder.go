// Package audit persists access-control decisions for protected subdomains.
// Recording is best-effort: a storage failure never changes the outcome the
// visitor sees.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/audit/domain"
	auditrepo "subdomain-auth-bridge/internal/audit/repository"
	"subdomain-auth-bridge/internal/guard"
)

// recordTimeout bounds a single async record so a slow database cannot pile
// up goroutines behind it.
const recordTimeout = 5 * time.Second

// ShutdownDrainDuration is how long shutdown waits after the HTTP server
// stops, so in-flight async records can complete. Must be >= recordTimeout.
const ShutdownDrainDuration = recordTimeout

// Recorder writes one record per terminal guard decision.
type Recorder struct {
	repo auditrepo.Repository
	log  zerolog.Logger
}

// NewRecorder returns a Recorder persisting to repo. repo may be nil; then
// recording is disabled and every call is a no-op.
func NewRecorder(repo auditrepo.Repository, log zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, log: log.With().Str("component", "audit").Logger()}
}

// Record persists one decision. Best-effort: errors are logged, not returned.
func (r *Recorder) Record(ctx context.Context, d guard.Decision, ip string) {
	if r == nil || r.repo == nil {
		return
	}
	userID := ""
	if d.User != nil {
		userID = d.User.ID
	}
	meta, _ := json.Marshal(map[string]string{"message": d.Message, "redirect_url": d.RedirectURL})
	rec := &domain.Record{
		ID:        uuid.New().String(),
		Subdomain: d.Subdomain,
		UserID:    userID,
		Decision:  string(d.Type),
		Reason:    d.Reason,
		IP:        ip,
		Metadata:  string(meta),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.Create(ctx, rec); err != nil {
		r.log.Error().Err(err).Str("decision", rec.Decision).Str("subdomain", rec.Subdomain).Msg("record failed")
	}
}

// RecordAsync runs Record in a goroutine so the request path is never blocked
// on the audit trail. The goroutine uses context.Background with its own
// timeout; request cancellation does not abort an in-flight record.
func (r *Recorder) RecordAsync(d guard.Decision, ip string) {
	if r == nil || r.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		r.Record(ctx, d, ip)
	}()
}
