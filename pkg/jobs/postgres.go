package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/logging"
)

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a job store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(logging.F("component", "job_store")),
	}
}

// Get returns the job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, subject, body_text, status, COALESCE(error_message, ''),
		       COALESCE(title, ''), COALESCE(summary, ''), COALESCE(body_ai_text, ''), metadata,
		       COALESCE(issue_key, ''), COALESCE(issue_url, ''), COALESCE(issue_engine, ''),
		       started_at, completed_at, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`, id).Scan(&job.ID, &job.OwnerID, &job.Subject, &job.BodyText, &job.Status,
		&job.ErrorMessage, &job.Title, &job.Summary, &job.BodyAIText, &job.Metadata,
		&job.IssueKey, &job.IssueURL, &job.IssueEngine,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, inerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// Attachments returns the job's attachments in creation order.
func (s *PostgresStore) Attachments(ctx context.Context, jobID string) ([]Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, filename, content_type, size, is_image, storage_path, ocr_text, ai_text
		FROM attachments
		WHERE job_id = $1
		ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.JobID, &a.Filename, &a.ContentType, &a.Size,
			&a.IsImage, &a.StoragePath, &a.OCRText, &a.AIText); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attachments: %w", err)
	}
	return attachments, nil
}

// SetStatus transitions the job's status and returns the previous one.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status, errMessage string) (Status, error) {
	var previous Status
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs j
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    started_at = CASE WHEN $2 = 'processing' THEN NOW() ELSE j.started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE j.completed_at END,
		    updated_at = NOW()
		FROM (SELECT status AS old_status FROM jobs WHERE id = $1 FOR UPDATE) prev
		WHERE j.id = $1
		RETURNING prev.old_status
	`, id, status, errMessage).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, inerrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Debug("Job status updated",
		logging.F("job_id", id),
		logging.F("old_status", string(previous)),
		logging.F("new_status", string(status)))

	return previous, nil
}

// SyncResult persists the data produced by a successful run.
func (s *PostgresStore) SyncResult(ctx context.Context, result *Result) error {
	if result == nil || result.JobID == "" {
		return fmt.Errorf("result with job id is required: %w", inerrors.ErrValidation)
	}

	metadataJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET title = $2, summary = $3, body_ai_text = $4, metadata = $5,
		    issue_key = NULLIF($6, ''), issue_url = NULLIF($7, ''), issue_engine = NULLIF($8, ''),
		    updated_at = NOW()
		WHERE id = $1
	`, result.JobID, result.Title, result.Summary, result.BodyAIText, metadataJSON,
		result.IssueKey, result.IssueURL, result.IssueEngine)
	if err != nil {
		return fmt.Errorf("failed to sync job result: %w", err)
	}

	for _, a := range result.Attachments {
		_, err = tx.Exec(ctx, `
			UPDATE attachments SET ocr_text = $2, ai_text = $3, updated_at = NOW() WHERE id = $1
		`, a.ID, a.OCRText, a.AIText)
		if err != nil {
			return fmt.Errorf("failed to sync attachment %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// PromptTemplates returns the owner's named prompt templates.
func (s *PostgresStore) PromptTemplates(ctx context.Context, ownerID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, template FROM prompt_templates WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	defer rows.Close()

	templates := make(map[string]string)
	for rows.Next() {
		var name, template string
		if err := rows.Scan(&name, &template); err != nil {
			return nil, fmt.Errorf("failed to scan prompt template: %w", err)
		}
		templates[name] = template
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prompt templates: %w", err)
	}
	return templates, nil
}

// IssueConfig returns the owner's issue-system configuration.
func (s *PostgresStore) IssueConfig(ctx context.Context, ownerID string) (*IssueConfig, error) {
	var cfg IssueConfig
	err := s.pool.QueryRow(ctx, `
		SELECT engine, project, priority, base_url, COALESCE(labels, '{}')
		FROM issue_configs
		WHERE owner_id = $1
	`, ownerID).Scan(&cfg.Engine, &cfg.Project, &cfg.Priority, &cfg.BaseURL, &cfg.Labels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("issue config for owner %s: %w", ownerID, inerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue config: %w", err)
	}
	return &cfg, nil
}

// ResetRunning cancels jobs abandoned in processing by a crashed worker.
func (s *PostgresStore) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'cancelled', error_message = 'worker restarted mid-run',
		    completed_at = NOW(), updated_at = NOW()
		WHERE status = 'processing'
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// SweepStale fails jobs processing longer than olderThan.
func (s *PostgresStore) SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'failed', error_message = 'processing timeout exceeded',
		    completed_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND started_at < NOW() - $1::interval
		RETURNING id
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job ids: %w", err)
	}
	return ids, nil
}

// Verify interface compliance
var _ Store = (*PostgresStore)(nil)
