// Package audit captures entity changes as immutable audit records.
//
// # Capture
//
// Callers bracket every write of a tracked entity with Hook.Before and
// Hook.After, passing an Exec that names the acting user and request:
//
//	m, err := hook.Before(ctx, exec, "Task", id)
//	// persist the task
//	m.Entity = audit.Entity{ID: id, Label: task.Title, ProjectID: &task.ProjectID, State: snapshot}
//	hook.After(ctx, exec, m)
//
// A missing persisted row makes the write a create. Otherwise the
// DiffEngine compares the two snapshots field by field using the entity's
// Schema. Fields in the ignore list are skipped, nil and "" compare equal,
// choice values render as labels and references render through a
// ReferenceResolver. Updates that change nothing write nothing.
//
// Relationship membership, attachments and comments have their own hook
// methods.
//
// Services that do not link this package report the same mutations to
// POST /audit/events, which CaptureHandlers feeds through the hook with the
// prior state taken from the event.
//
// # Deduplication
//
// The DedupGuard admits a create record at most once per CreateLockTTL and
// an identical update record at most once per UpdateLockTTL, using an
// atomic SetNX lock in the shared cache. Update records are also confirmed
// against the store, which is the only check left when the cache is down.
//
// # History
//
// Store.History filters a target's records by actor, day range, category
// and changed field, newest first. Formatter turns each record into display
// items. The Janitor periodically removes update records without a diff
// and duplicate deliveries.
//
// Access entries written by Middleware and Recorder.LogAccess use the
// AccessLog target and never appear in history.
package audit
