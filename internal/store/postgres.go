package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore is the durable backend. List methods order by
// (created_at, id) ascending so both backends produce identical results.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── AIPs ──

const aipColumns = `id, title, fiscal_year, barangay_id, city_id, municipality_id, status, created_by, created_at`

func scanAip(row interface{ Scan(...any) error }) (AipRecord, error) {
	var a AipRecord
	err := row.Scan(&a.ID, &a.Title, &a.FiscalYear, &a.BarangayID, &a.CityID, &a.MunicipalityID, &a.Status, &a.CreatedBy, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) GetAip(ctx context.Context, id string) (AipRecord, error) {
	a, err := scanAip(s.db.QueryRowContext(ctx, `SELECT `+aipColumns+` FROM aips WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return AipRecord{}, err
	}
	if err != nil {
		return AipRecord{}, fmt.Errorf("get aip: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAip(ctx context.Context, a AipRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aips (id, title, fiscal_year, barangay_id, city_id, municipality_id, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Title, a.FiscalYear, a.BarangayID, a.CityID, a.MunicipalityID, a.Status, a.CreatedBy, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create aip: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAipStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE aips SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update aip status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update aip status: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteAip(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM aips WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete aip: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete aip: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListAipsByStatus(ctx context.Context, status string) ([]AipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+aipColumns+` FROM aips WHERE status=$1 ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list aips: %w", err)
	}
	defer rows.Close()

	var items []AipRecord
	for rows.Next() {
		a, err := scanAip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aip: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// ── Feedback ──

const feedbackColumns = `id, target_type, aip_id, project_id, field_key, parent_feedback_id, kind, source, body, author_id, is_public, created_at, updated_at`

func scanFeedback(row interface{ Scan(...any) error }) (FeedbackRow, error) {
	var f FeedbackRow
	err := row.Scan(&f.ID, &f.TargetType, &f.AipID, &f.ProjectID, &f.FieldKey, &f.ParentFeedbackID, &f.Kind, &f.Source, &f.Body, &f.AuthorID, &f.IsPublic, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (s *PostgresStore) CreateFeedback(ctx context.Context, f FeedbackRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, target_type, aip_id, project_id, field_key, parent_feedback_id, kind, source, body, author_id, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, f.ID, f.TargetType, f.AipID, f.ProjectID, f.FieldKey, f.ParentFeedbackID, f.Kind, f.Source, f.Body, f.AuthorID, f.IsPublic, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFeedback(ctx context.Context, id string) (FeedbackRow, error) {
	f, err := scanFeedback(s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return FeedbackRow{}, err
	}
	if err != nil {
		return FeedbackRow{}, fmt.Errorf("get feedback: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackRow, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE 1=1`
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TargetType != "" {
		query += ` AND target_type=` + arg(filter.TargetType)
	}
	if filter.AipID != nil {
		query += ` AND aip_id=` + arg(*filter.AipID)
	}
	if filter.ProjectID != nil {
		query += ` AND project_id=` + arg(*filter.ProjectID)
	}
	if filter.FieldKey != nil {
		query += ` AND field_key=` + arg(*filter.FieldKey)
	}
	if filter.Kind != nil {
		query += ` AND kind=` + arg(*filter.Kind)
	}
	if filter.Source != nil {
		query += ` AND source=` + arg(*filter.Source)
	}
	if filter.ParentID != nil {
		query += ` AND parent_feedback_id=` + arg(*filter.ParentID)
	}
	if filter.RootsOnly {
		query += ` AND parent_feedback_id IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var items []FeedbackRow
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateFeedback(ctx context.Context, id, body, kind string, isPublic bool) (FeedbackRow, error) {
	f, err := scanFeedback(s.db.QueryRowContext(ctx, `
		UPDATE feedback
		SET body=$2, kind=$3, is_public=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING `+feedbackColumns+`
	`, id, body, kind, isPublic))
	if err == sql.ErrNoRows {
		return FeedbackRow{}, err
	}
	if err != nil {
		return FeedbackRow{}, fmt.Errorf("update feedback: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) CountFeedbackByAuthorSince(ctx context.Context, authorID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE author_id=$1 AND created_at >= $2`, authorID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count feedback by author: %w", err)
	}
	return count, nil
}

// ── Line items ──

func (s *PostgresStore) ListLineItems(ctx context.Context, aipID string) ([]AipLineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aip_id, project_ref_code, description, review_status, created_at
		FROM aip_line_items WHERE aip_id=$1
		ORDER BY created_at ASC, id ASC
	`, aipID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	var items []AipLineItem
	for rows.Next() {
		var item AipLineItem
		if err := rows.Scan(&item.ID, &item.AipID, &item.ProjectRefCode, &item.Description, &item.ReviewStatus, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateLineItem(ctx context.Context, item AipLineItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aip_line_items (id, aip_id, project_ref_code, description, review_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.AipID, item.ProjectRefCode, item.Description, item.ReviewStatus, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("create line item: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetLineItemReviewStatus(ctx context.Context, id, reviewStatus string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE aip_line_items SET review_status=$2 WHERE id=$1`, id, reviewStatus)
	if err != nil {
		return fmt.Errorf("set line item review status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set line item review status: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetAipIDForProject resolves a project reference code to its parent AIP.
func (s *PostgresStore) GetAipIDForProject(ctx context.Context, projectID string) (string, error) {
	var aipID string
	err := s.db.QueryRowContext(ctx, `
		SELECT aip_id FROM aip_line_items WHERE project_ref_code=$1
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, projectID).Scan(&aipID)
	if err == sql.ErrNoRows {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("resolve project aip: %w", err)
	}
	return aipID, nil
}

// ── Uploaded files & extraction artifacts ──

func (s *PostgresStore) ListUploadedFiles(ctx context.Context, aipID string) ([]UploadedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aip_id, bucket_id, object_name, uploaded_by, is_current, created_at
		FROM uploaded_files WHERE aip_id=$1
		ORDER BY created_at ASC, id ASC
	`, aipID)
	if err != nil {
		return nil, fmt.Errorf("list uploaded files: %w", err)
	}
	defer rows.Close()

	var items []UploadedFile
	for rows.Next() {
		var f UploadedFile
		if err := rows.Scan(&f.ID, &f.AipID, &f.BucketID, &f.ObjectName, &f.UploadedBy, &f.IsCurrent, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan uploaded file: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateUploadedFile(ctx context.Context, f UploadedFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_files (id, aip_id, bucket_id, object_name, uploaded_by, is_current, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.AipID, f.BucketID, f.ObjectName, f.UploadedBy, f.IsCurrent, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create uploaded file: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExtractionArtifacts(ctx context.Context, aipID string) ([]ExtractionArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aip_id, storage_path, kind, created_at
		FROM extraction_artifacts WHERE aip_id=$1
		ORDER BY created_at ASC, id ASC
	`, aipID)
	if err != nil {
		return nil, fmt.Errorf("list extraction artifacts: %w", err)
	}
	defer rows.Close()

	var items []ExtractionArtifact
	for rows.Next() {
		var a ExtractionArtifact
		if err := rows.Scan(&a.ID, &a.AipID, &a.StoragePath, &a.Kind, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan extraction artifact: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateExtractionArtifact(ctx context.Context, a ExtractionArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_artifacts (id, aip_id, storage_path, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.AipID, a.StoragePath, a.Kind, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create extraction artifact: %w", err)
	}
	return nil
}

// ── Review events ──

func (s *PostgresStore) ListReviewEvents(ctx context.Context, aipID string) ([]ReviewEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aip_id, reviewer_id, reviewer_name, action, note, created_at
		FROM aip_reviews WHERE aip_id=$1
		ORDER BY created_at ASC, id ASC
	`, aipID)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	var items []ReviewEvent
	for rows.Next() {
		var ev ReviewEvent
		if err := rows.Scan(&ev.ID, &ev.AipID, &ev.ReviewerID, &ev.ReviewerName, &ev.Action, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateReviewEvent(ctx context.Context, ev ReviewEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aip_reviews (id, aip_id, reviewer_id, reviewer_name, action, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.AipID, ev.ReviewerID, ev.ReviewerName, ev.Action, ev.Note, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create review event: %w", err)
	}
	return nil
}

// ── Users ──

const userColumns = `id, email, password_hash, display_name, role, scope_kind, scope_id, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.ScopeKind, &u.ScopeID, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return User{}, err
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if err == sql.ErrNoRows {
		return User{}, err
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, role, scope_kind, scope_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.ScopeKind, u.ScopeID, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ── Scope registry ──

func (s *PostgresStore) ListScopeEntries(ctx context.Context) ([]ScopeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, name FROM scope_registry ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scope entries: %w", err)
	}
	defer rows.Close()

	var items []ScopeEntry
	for rows.Next() {
		var entry ScopeEntry
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Name); err != nil {
			return nil, fmt.Errorf("scan scope entry: %w", err)
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateScopeEntry(ctx context.Context, entry ScopeEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_registry (id, kind, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET kind=EXCLUDED.kind, name=EXCLUDED.name
	`, entry.ID, entry.Kind, entry.Name)
	if err != nil {
		return fmt.Errorf("create scope entry: %w", err)
	}
	return nil
}

// ── Activity log ──

func (s *PostgresStore) CreateActivityLog(ctx context.Context, entry ActivityLog) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, action, entity_table, entity_id, barangay_id, city_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, entry.ID, entry.Action, entry.EntityTable, entry.EntityID, entry.BarangayID, entry.CityID, string(metadata), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create activity log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivityLogs(ctx context.Context, entityTable, entityID string) ([]ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_table, entity_id, barangay_id, city_id, metadata, created_at
		FROM activity_logs WHERE entity_table=$1 AND entity_id=$2
		ORDER BY created_at ASC, id ASC
	`, entityTable, entityID)
	if err != nil {
		return nil, fmt.Errorf("list activity logs: %w", err)
	}
	defer rows.Close()

	var items []ActivityLog
	for rows.Next() {
		var entry ActivityLog
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityTable, &entry.EntityID, &entry.BarangayID, &entry.CityID, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal activity metadata: %w", err)
			}
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}
