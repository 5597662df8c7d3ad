package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"authcore.org/internal/audit"
)

// AuditSink appends events to the audit_log table.
type AuditSink struct {
	store *Store
}

var _ audit.Sink = AuditSink{}

func (s *Store) AuditSink() AuditSink { return AuditSink{store: s} }

func (a AuditSink) Write(ctx context.Context, ev audit.Event) error {
	rec := audit.Describe(ev)
	details, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = a.store.db.ExecContext(ctx, `
		insert into audit_log (id, event, actor, resource_type, resource_id, occurred_at, request_id, details)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do nothing
	`, rec.ID, rec.Event, nullIfEmpty(rec.Actor), rec.ResourceType, rec.ResourceID, rec.OccurredAt.UTC(),
		nullIfEmpty(audit.RequestIDFromContext(ctx)), details)
	return err
}
