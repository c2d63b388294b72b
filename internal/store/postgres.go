package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/autopost/pkg/models"
)

const jobColumns = `id, owner_id, group_id, draft_id, platform, text, run_at, status,
	COALESCE(attempts, 0), last_error, external_post_id, created_at, updated_at`

const connectionColumns = `owner_id, platform, access_token, refresh_token, expires_at,
	client_id, client_secret_sealed, COALESCE(scopes, ''), created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Jobs ---

// CreateJobs inserts sibling jobs in one transaction so a group is never
// partially scheduled.
func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create jobs: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, j := range jobs {
		_, err := tx.Exec(ctx,
			`INSERT INTO scheduled_posts (id, owner_id, group_id, draft_id, platform, text, run_at, status, attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			j.ID, j.OwnerID, j.GroupID, j.DraftID, string(j.Platform), j.Text, j.RunAt,
			string(j.Status), j.Attempts, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_posts WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.OwnerID != "" {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if len(filter.ExcludeStatuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("NOT (status = ANY($%d))", argIdx))
		args = append(args, statusStrings(filter.ExcludeStatuses))
		argIdx++
	}
	if !filter.RunAtBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("run_at < $%d", argIdx))
		args = append(args, filter.RunAtBefore)
		argIdx++
	}
	if !filter.UpdatedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIdx))
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}
	if !filter.UpdatedAfter.IsZero() {
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", argIdx))
		args = append(args, filter.UpdatedAfter)
		argIdx++
	}

	where := "TRUE"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := fmt.Sprintf(`SELECT %s FROM scheduled_posts WHERE %s ORDER BY %s LIMIT $%d`,
		jobColumns, where, orderClause(filter.OrderBy), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func orderClause(o JobOrder) string {
	switch o {
	case OrderRunAtAsc:
		return "run_at ASC, id"
	case OrderUpdatedDesc:
		return "updated_at DESC, id"
	case OrderUpdatedAsc:
		return "updated_at ASC, id"
	default:
		return "run_at DESC, id"
	}
}

// SelectDueJobs returns pending jobs for the given platforms whose run_at has
// passed, oldest first.
func (s *PostgresStore) SelectDueJobs(ctx context.Context, platforms []models.Platform, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scheduled_posts
		 WHERE status = $1 AND run_at <= $2 AND platform = ANY($3)
		 ORDER BY run_at ASC, id
		 LIMIT $4`,
		string(models.JobStatusPending), now, platformStrings(platforms), limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob moves a job from pending to running. It reports false when another
// invocation got there first.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_posts SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, string(models.JobStatusRunning), now, string(models.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyOutcome writes the result of a dispatch attempt. Only a running job is
// updated; a job moved elsewhere in the meantime yields ErrClaimLost.
func (s *PostgresStore) ApplyOutcome(ctx context.Context, id uuid.UUID, status models.JobStatus, now time.Time, opts ...OutcomeOption) error {
	o := ResolveOutcome(opts...)

	query := `UPDATE scheduled_posts SET status = $2, updated_at = $3`
	args := []any{id, string(status), now, string(models.JobStatusRunning)}
	argIdx := 5

	if o.Attempts != nil {
		query += fmt.Sprintf(", attempts = $%d", argIdx)
		args = append(args, *o.Attempts)
		argIdx++
	}
	if o.RunAt != nil {
		query += fmt.Sprintf(", run_at = $%d", argIdx)
		args = append(args, *o.RunAt)
		argIdx++
	}
	if o.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *o.LastError)
		argIdx++
	} else if o.ClearLastError {
		query += ", last_error = NULL"
	}
	if o.ExternalPostID != nil {
		query += fmt.Sprintf(", external_post_id = $%d", argIdx)
		args = append(args, *o.ExternalPostID)
		argIdx++
	}

	query += " WHERE id = $1 AND status = $4"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply job outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM scheduled_posts WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("apply job outcome: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", id, current, ErrClaimLost)
}

func (s *PostgresStore) CancelJobs(ctx context.Context, scope JobScope, now time.Time) ([]*models.Job, error) {
	return s.transitionScoped(ctx, scope, models.JobStatusCancelled, CancellableStatuses, now, false)
}

func (s *PostgresStore) CompleteJobs(ctx context.Context, scope JobScope, now time.Time) ([]*models.Job, error) {
	return s.transitionScoped(ctx, scope, models.JobStatusSent, CompletableStatuses, now, true)
}

func (s *PostgresStore) transitionScoped(ctx context.Context, scope JobScope, to models.JobStatus,
	from []models.JobStatus, now time.Time, clearError bool) ([]*models.Job, error) {
	if scope.ID == nil && scope.GroupID == nil {
		return nil, fmt.Errorf("job scope needs an id or group id")
	}

	set := "status = $1, updated_at = $2"
	if clearError {
		set += ", last_error = NULL"
	}
	conditions := []string{"owner_id = $3", "status = ANY($4)"}
	args := []any{string(to), now, scope.OwnerID, statusStrings(from)}
	argIdx := 5

	if scope.GroupID != nil {
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", argIdx))
		args = append(args, *scope.GroupID)
	} else {
		conditions = append(conditions, fmt.Sprintf("id = $%d", argIdx))
		args = append(args, *scope.ID)
	}
	argIdx++
	if scope.Platform != "" {
		conditions = append(conditions, fmt.Sprintf("platform = $%d", argIdx))
		args = append(args, string(scope.Platform))
	}

	query := fmt.Sprintf(`UPDATE scheduled_posts SET %s WHERE %s RETURNING %s`,
		set, strings.Join(conditions, " AND "), jobColumns)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition jobs to %s: %w", to, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// RequeueNeedsUserAction puts an owner's escalated jobs back in the queue
// after a reconnection. Legacy auth_required rows are included.
func (s *PostgresStore) RequeueNeedsUserAction(ctx context.Context, ownerID string, platform models.Platform, runAt, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_posts
		 SET status = $1, attempts = 0, last_error = NULL, run_at = $2, updated_at = $3
		 WHERE owner_id = $4 AND platform = $5 AND status = ANY($6)`,
		string(models.JobStatusPending), runAt, now, ownerID, string(platform),
		statusStrings([]models.JobStatus{models.JobStatusNeedsUserAction, models.JobStatusAuthRequired}))
	if err != nil {
		return 0, fmt.Errorf("requeue needs_user_action jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var platform, status string
	if err := row.Scan(&j.ID, &j.OwnerID, &j.GroupID, &j.DraftID, &platform, &j.Text, &j.RunAt,
		&status, &j.Attempts, &j.LastError, &j.ExternalPostID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Platform = models.Platform(platform)
	j.Status = models.JobStatus(status)
	return normalizeJob(&j), nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Provider Connections ---

func (s *PostgresStore) GetConnection(ctx context.Context, ownerID string, platform models.Platform) (*models.ProviderConnection, error) {
	var c models.ProviderConnection
	var p string
	err := s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM provider_connections WHERE owner_id = $1 AND platform = $2`,
		ownerID, string(platform),
	).Scan(&c.OwnerID, &p, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt,
		&c.ClientID, &c.ClientSecretSealed, &c.Scopes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	c.Platform = models.Platform(p)
	return normalizeConnection(&c), nil
}

func (s *PostgresStore) UpsertConnection(ctx context.Context, conn *models.ProviderConnection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_connections (owner_id, platform, access_token, refresh_token, expires_at,
		   client_id, client_secret_sealed, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (owner_id, platform) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = COALESCE(EXCLUDED.refresh_token, provider_connections.refresh_token),
		   expires_at = EXCLUDED.expires_at,
		   client_id = COALESCE(EXCLUDED.client_id, provider_connections.client_id),
		   client_secret_sealed = COALESCE(EXCLUDED.client_secret_sealed, provider_connections.client_secret_sealed),
		   scopes = EXCLUDED.scopes,
		   updated_at = EXCLUDED.updated_at`,
		conn.OwnerID, string(conn.Platform), conn.AccessToken, conn.RefreshToken, conn.ExpiresAt,
		conn.ClientID, conn.ClientSecretSealed, conn.Scopes, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// UpdateConnectionTokens persists a refreshed token set. The row is not
// locked; concurrent refreshes for one owner may both write.
func (s *PostgresStore) UpdateConnectionTokens(ctx context.Context, ownerID string, platform models.Platform, tokens TokenUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_connections SET
		   access_token = $3,
		   refresh_token = COALESCE($4, refresh_token),
		   expires_at = COALESCE($5, expires_at),
		   updated_at = $6
		 WHERE owner_id = $1 AND platform = $2`,
		ownerID, string(platform), tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, tokens.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DisconnectConnection(ctx context.Context, ownerID string, platform models.Platform, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_connections SET access_token = NULL, refresh_token = NULL, expires_at = NULL, updated_at = $3
		 WHERE owner_id = $1 AND platform = $2`,
		ownerID, string(platform), now)
	if err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Alert Dedupe ---

func (s *PostgresStore) GetAlertRecord(ctx context.Context, signature string) (*models.AlertDedupeRecord, error) {
	var r models.AlertDedupeRecord
	err := s.pool.QueryRow(ctx,
		`SELECT signature, last_sent_at, sent_count, last_subject, last_body, updated_at
		 FROM alert_dedupe WHERE signature = $1`, signature,
	).Scan(&r.Signature, &r.LastSentAt, &r.SentCount, &r.LastSubject, &r.LastBody, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert record: %w", err)
	}
	return &r, nil
}

// UpsertAlertRecord writes the record. last_sent_at never moves backwards so
// the first writer in a race keeps its window.
func (s *PostgresStore) UpsertAlertRecord(ctx context.Context, rec *models.AlertDedupeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_dedupe (signature, last_sent_at, sent_count, last_subject, last_body, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (signature) DO UPDATE SET
		   last_sent_at = GREATEST(alert_dedupe.last_sent_at, EXCLUDED.last_sent_at),
		   sent_count = GREATEST(alert_dedupe.sent_count + 1, EXCLUDED.sent_count),
		   last_subject = EXCLUDED.last_subject,
		   last_body = EXCLUDED.last_body,
		   updated_at = EXCLUDED.updated_at`,
		rec.Signature, rec.LastSentAt, rec.SentCount, rec.LastSubject, rec.LastBody, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert alert record: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
