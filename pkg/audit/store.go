package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/platinummonkey/taskward/pkg/database"
)

// Action categories accepted by HistoryFilter.Category
const (
	CategoryFieldChange = "field_change"
	CategoryAttachment  = "attachment"
	CategoryComment     = "comment"
)

// commentMarker identifies comment records by their summary
const commentMarker = "comment"

// RecentQuery looks for a record written for a target since a point in time
type RecentQuery struct {
	TargetType string
	TargetID   string
	Action     Action
	// ContentHash, when set, must match exactly
	ContentHash string
	Since       time.Time
}

// HistoryFilter narrows an entity's history
type HistoryFilter struct {
	ActorID *int64
	// StartDate and EndDate are inclusive calendar days in UTC
	StartDate *time.Time
	EndDate   *time.Time
	// Category is one of field_change, attachment or comment
	Category string
	// Field keeps records that changed this field. "attachment" and
	// "comment" select those record kinds instead.
	Field  string
	Limit  int
	Offset int
}

// Store persists audit records. Records are never updated.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	ExistsRecent(ctx context.Context, q RecentQuery) (bool, error)
	History(ctx context.Context, targetType, targetID string, filter HistoryFilter) ([]*Record, error)
	// TargetProject returns the project most recently recorded for a target
	TargetProject(ctx context.Context, targetType, targetID string) (*int64, error)
	// LatestLabel returns the most recent non-empty label recorded for a
	// target. It returns ErrRecordNotFound when none was recorded and
	// ErrReferenceNotFound when that record is a delete.
	LatestLabel(ctx context.Context, targetType, targetID string) (string, error)
	// DeleteNoise removes update records created before cutoff that carry
	// neither a diff nor attachment actions
	DeleteNoise(ctx context.Context, before time.Time) (int64, error)
	// DeleteDuplicates removes records created since the cutoff that repeat
	// an earlier record of the same actor, target, action and content
	// within window, keeping the earliest
	DeleteDuplicates(ctx context.Context, since time.Time, window time.Duration) (int64, error)
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db      database.Querier
	dialect database.Dialect
}

// NewSQLStore creates an audit store
func NewSQLStore(db database.Querier, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

var recordColumns = []string{
	"id", "actor_id", "actor_name", "action", "result", "ip",
	"target_type", "target_id", "target_label", "summary", "details",
	"content_hash", "project_id", "task_id", "created_at",
}

func (s *SQLStore) selectRecords() sq.SelectBuilder {
	return s.dialect.Builder().Select(recordColumns...).From("audit_records")
}

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var (
		rec              Record
		actorID, project sql.NullInt64
		task             sql.NullInt64
		details          []byte
	)
	err := row.Scan(
		&rec.ID, &actorID, &rec.ActorName, &rec.Action, &rec.Result, &rec.IP,
		&rec.TargetType, &rec.TargetID, &rec.TargetLabel, &rec.Summary, &details,
		&rec.ContentHash, &project, &task, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if actorID.Valid {
		rec.ActorID = &actorID.Int64
	}
	if project.Valid {
		rec.ProjectID = &project.Int64
	}
	if task.Valid {
		rec.TaskID = &task.Int64
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details of record %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Append inserts rec and sets its ID
func (s *SQLStore) Append(ctx context.Context, rec *Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.dialect.Builder().Insert("audit_records").
		Columns(recordColumns[1:]...).
		Values(
			rec.ActorID, rec.ActorName, string(rec.Action), string(rec.Result), rec.IP,
			rec.TargetType, rec.TargetID, rec.TargetLabel, rec.Summary, string(details),
			rec.ContentHash, rec.ProjectID, rec.TaskID, rec.CreatedAt.UTC(),
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Record, error) {
	query, args, err := s.selectRecords().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) ExistsRecent(ctx context.Context, q RecentQuery) (bool, error) {
	where := sq.And{
		sq.Eq{"target_type": q.TargetType, "target_id": q.TargetID, "action": string(q.Action)},
		sq.GtOrEq{"created_at": q.Since.UTC()},
	}
	if q.ContentHash != "" {
		where = append(where, sq.Eq{"content_hash": q.ContentHash})
	}

	query, args, err := s.dialect.Builder().Select("id").From("audit_records").
		Where(where).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check recent audit records: %w", err)
	}
	return true, nil
}

// attachmentRecords matches uploads, deletes and attachment rename/replace updates
func (s *SQLStore) attachmentRecords(withTypeMarker bool) sq.Sqlizer {
	or := sq.Or{
		sq.Eq{"action": []string{string(ActionUpload), string(ActionDelete)}},
		s.dialect.JSONHasKey("details", nil, "attachment_actions"),
	}
	if withTypeMarker {
		or = append(or, s.dialect.JSONTextEquals("details", []string{"type"}, "attachment"))
	}
	return or
}

func commentRecords() sq.Sqlizer {
	return sq.Like{"LOWER(summary)": "%" + commentMarker + "%"}
}

func (s *SQLStore) historyQuery(targetType, targetID string, f HistoryFilter) sq.SelectBuilder {
	q := s.selectRecords().
		Where(sq.Eq{"target_type": targetType, "target_id": targetID}).
		Where(sq.NotEq{"target_type": AccessLogTarget})

	if f.ActorID != nil {
		q = q.Where(sq.Eq{"actor_id": *f.ActorID})
	}
	if f.StartDate != nil {
		q = q.Where(sq.GtOrEq{"created_at": startOfDay(*f.StartDate)})
	}
	if f.EndDate != nil {
		q = q.Where(sq.Lt{"created_at": startOfDay(*f.EndDate).AddDate(0, 0, 1)})
	}

	switch f.Category {
	case CategoryFieldChange:
		q = q.Where(sq.Eq{"action": string(ActionUpdate)})
	case CategoryAttachment:
		q = q.Where(s.attachmentRecords(true))
	case CategoryComment:
		q = q.Where(commentRecords())
	}

	switch f.Field {
	case "":
	case CategoryAttachment:
		q = q.Where(s.attachmentRecords(false))
	case CategoryComment:
		q = q.Where(commentRecords())
	default:
		q = q.Where(s.dialect.JSONHasKey("details", []string{"diff"}, f.Field))
	}

	q = q.OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// History returns a target's records newest first. Access log entries are
// never included.
func (s *SQLStore) History(ctx context.Context, targetType, targetID string, filter HistoryFilter) ([]*Record, error) {
	query, args, err := s.historyQuery(targetType, targetID, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}
	return s.queryRecords(ctx, query, args)
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args []interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) TargetProject(ctx context.Context, targetType, targetID string) (*int64, error) {
	query, args, err := s.dialect.Builder().Select("project_id").From("audit_records").
		Where(sq.Eq{"target_type": targetType, "target_id": targetID}).
		Where(sq.NotEq{"project_id": nil}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var project int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up target project: %w", err)
	}
	return &project, nil
}

func (s *SQLStore) LatestLabel(ctx context.Context, targetType, targetID string) (string, error) {
	query, args, err := s.dialect.Builder().Select("target_label", "action").From("audit_records").
		Where(sq.Eq{"target_type": targetType, "target_id": targetID}).
		Where(sq.NotEq{"target_label": ""}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to build query: %w", err)
	}
	var label, action string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&label, &action)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up target label: %w", err)
	}
	if Action(action) == ActionDelete {
		return "", ErrReferenceNotFound
	}
	return label, nil
}

func (s *SQLStore) DeleteNoise(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := s.dialect.Builder().Select("id", "details").From("audit_records").
		Where(sq.Eq{"action": string(ActionUpdate)}).
		Where(sq.Lt{"created_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query update records: %w", err)
	}

	var noise []int64
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan update record: %w", err)
		}
		if isNoise(raw) {
			noise = append(noise, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read update records: %w", err)
	}
	return s.deleteIDs(ctx, noise)
}

// isNoise reports whether an update payload records nothing. Unreadable
// payloads are kept.
func isNoise(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	var d Details
	if err := json.Unmarshal(raw, &d); err != nil {
		return false
	}
	return len(d.Diff) == 0 && !d.HasAttachmentActions()
}

func (s *SQLStore) DeleteDuplicates(ctx context.Context, since time.Time, window time.Duration) (int64, error) {
	query, args, err := s.dialect.Builder().
		Select("id", "actor_id", "target_type", "target_id", "action", "content_hash", "details", "created_at").
		From("audit_records").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		Where(sq.NotEq{"target_type": AccessLogTarget}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query recent records: %w", err)
	}

	// last kept record time per (actor, target, action, content)
	kept := make(map[string]time.Time)
	var dupes []int64
	for rows.Next() {
		var (
			id                 int64
			actor              sql.NullInt64
			tType, tID, action string
			hash               string
			raw                []byte
			created            time.Time
		)
		if err := rows.Scan(&id, &actor, &tType, &tID, &action, &hash, &raw, &created); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record: %w", err)
		}
		if hash == "" {
			hash = string(raw)
		}
		key := strings.Join([]string{fmt.Sprint(actor.Int64, actor.Valid), tType, tID, action, hash}, "\x00")
		if last, ok := kept[key]; ok && created.Sub(last) <= window {
			dupes = append(dupes, id)
			continue
		}
		kept[key] = created
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}
	return s.deleteIDs(ctx, dupes)
}

const deleteBatch = 500

func (s *SQLStore) deleteIDs(ctx context.Context, ids []int64) (int64, error) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var total int64
	for start := 0; start < len(ids); start += deleteBatch {
		end := start + deleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		query, args, err := s.dialect.Builder().Delete("audit_records").
			Where(sq.Eq{"id": ids[start:end]}).ToSql()
		if err != nil {
			return total, fmt.Errorf("failed to build delete: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete audit records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
