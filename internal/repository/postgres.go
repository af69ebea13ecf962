package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/fieldsync/internal/models"
)

const queryTimeout = 5 * time.Second

// PoolConfig tunes the pgx connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   querier
}

func NewPostgresRepository(ctx context.Context, connString string, poolCfg PoolConfig) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if poolCfg.MaxConns > 0 {
		config.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		config.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, db: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// WithTx runs fn inside one database transaction. Nested calls become
// savepoints.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return fn(&PostgresRepository{pool: r.pool, db: tx})
	})
}

// =============================================================================
// SOURCES
// =============================================================================

const sourceColumns = `id, source_type, external_id, cursor, poll_interval_ms, jitter,
	next_poll_at, last_poll_attempted_at, last_successful_poll_at,
	consecutive_failures, error_detail, version, created_at, updated_at`

func (r *PostgresRepository) CreateSource(ctx context.Context, s *models.Source) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	detail, err := jsonOrNull(s.ErrorDetail)
	if err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = 1
	}

	query := `
		INSERT INTO sources (` + sourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		s.ID, s.Type, s.ExternalID, s.Cursor, s.PollInterval.Milliseconds(), s.Jitter,
		dbTime(s.NextPollAt), dbTimePtr(s.LastPollAttemptedAt), dbTimePtr(s.LastSuccessfulPollAt),
		s.ConsecutiveFailures, detail, s.Version, dbTime(s.CreatedAt), dbTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSource(ctx context.Context, id string) (*models.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetSourceByIdentity(ctx context.Context, sourceType models.SourceType, externalID string) (*models.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE source_type = $1 AND external_id = $2`,
		sourceType, externalID)
	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source by identity: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListDueSources(ctx context.Context, now time.Time, limit int) ([]*models.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE next_poll_at <= $1
		ORDER BY next_poll_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, dbTime(now), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ReserveSource(ctx context.Context, s *models.Source, prevNextPollAt, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE sources
		SET next_poll_at = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND next_poll_at = $3 AND next_poll_at <= $4
		RETURNING version, updated_at
	`
	next := dbTime(s.NextPollAt)
	err := r.db.QueryRow(ctx, query, s.ID, next, dbTime(prevNextPollAt), dbTime(now)).Scan(&s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrConflict(ctx, "sources", s.ID)
		}
		return fmt.Errorf("failed to reserve source: %w", err)
	}
	s.NextPollAt = next
	s.UpdatedAt = s.UpdatedAt.UTC()
	return nil
}

func (r *PostgresRepository) UpdateSource(ctx context.Context, s *models.Source) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	detail, err := jsonOrNull(s.ErrorDetail)
	if err != nil {
		return err
	}

	query := `
		UPDATE sources
		SET cursor = $3, poll_interval_ms = $4, jitter = $5, next_poll_at = $6,
		    last_poll_attempted_at = $7, last_successful_poll_at = $8,
		    consecutive_failures = $9, error_detail = $10,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		s.ID, s.Version, s.Cursor, s.PollInterval.Milliseconds(), s.Jitter, dbTime(s.NextPollAt),
		dbTimePtr(s.LastPollAttemptedAt), dbTimePtr(s.LastSuccessfulPollAt),
		s.ConsecutiveFailures, detail,
	).Scan(&s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrConflict(ctx, "sources", s.ID)
		}
		return fmt.Errorf("failed to update source: %w", err)
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return nil
}

// =============================================================================
// BASELINES
// =============================================================================

func (r *PostgresRepository) GetBaseline(ctx context.Context, key models.BaselineKey) (*models.Baseline, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT canonical_value, value_last_updated_at, last_checked_at, first_seen_at,
		       checked_count, version
		FROM baselines
		WHERE source_id = $1 AND row_id = $2 AND field_id = $3
	`
	b := &models.Baseline{BaselineKey: key}
	var value string
	err := r.db.QueryRow(ctx, query, key.SourceID, key.RowID, key.FieldID).Scan(
		&value, &b.ValueLastUpdatedAt, &b.LastCheckedAt, &b.FirstSeenAt,
		&b.CheckedCount, &b.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	b.Value = json.RawMessage(value)
	b.ValueLastUpdatedAt = b.ValueLastUpdatedAt.UTC()
	b.LastCheckedAt = b.LastCheckedAt.UTC()
	b.FirstSeenAt = b.FirstSeenAt.UTC()
	return b, nil
}

func (r *PostgresRepository) InsertBaseline(ctx context.Context, b *models.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if b.Version == 0 {
		b.Version = 1
	}
	query := `
		INSERT INTO baselines (source_id, row_id, field_id, canonical_value,
		                       value_last_updated_at, last_checked_at, first_seen_at,
		                       checked_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		b.SourceID, b.RowID, b.FieldID, string(b.Value),
		dbTime(b.ValueLastUpdatedAt), dbTime(b.LastCheckedAt), dbTime(b.FirstSeenAt),
		b.CheckedCount, b.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert baseline: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateBaseline(ctx context.Context, b *models.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE baselines
		SET canonical_value = $5, value_last_updated_at = $6, last_checked_at = $7,
		    checked_count = $8, version = version + 1
		WHERE source_id = $1 AND row_id = $2 AND field_id = $3 AND version = $4
		RETURNING version
	`
	err := r.db.QueryRow(ctx, query,
		b.SourceID, b.RowID, b.FieldID, b.Version,
		string(b.Value), dbTime(b.ValueLastUpdatedAt), dbTime(b.LastCheckedAt), b.CheckedCount,
	).Scan(&b.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := r.db.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM baselines WHERE source_id = $1 AND row_id = $2 AND field_id = $3)`,
				b.SourceID, b.RowID, b.FieldID).Scan(&exists); qerr != nil {
				return fmt.Errorf("failed to check baseline: %w", qerr)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to update baseline: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteBaselinesCheckedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		DELETE FROM baselines
		WHERE ctid IN (
			SELECT ctid FROM baselines
			WHERE last_checked_at < $1
			LIMIT $2
		)
	`
	tag, err := r.db.Exec(ctx, query, dbTime(cutoff), limitOrAll(limit))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale baselines: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// ENVELOPES
// =============================================================================

const envelopeColumns = `id, recipient, payload, provenance, status, error_detail,
	before_value, after_value, requeued_from, created_at, claimed_at, completed_at`

func (r *PostgresRepository) CreateEnvelope(ctx context.Context, e *models.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	provenance, err := json.Marshal(e.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	detail, err := jsonOrNull(e.ErrorDetail)
	if err != nil {
		return err
	}
	e.CreatedAt = dbTime(e.CreatedAt)

	query := `
		INSERT INTO envelopes (` + envelopeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Exec(ctx, query,
		e.ID, e.Recipient, []byte(e.Payload), provenance, e.Status, detail,
		rawOrNull(e.Before), rawOrNull(e.After), stringOrNull(e.RequeuedFrom),
		e.CreatedAt, dbTimePtr(e.ClaimedAt), dbTimePtr(e.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create envelope: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetEnvelope(ctx context.Context, id string) (*models.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.db.QueryRow(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, id)
	e, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) ListEnvelopes(ctx context.Context, filter models.EnvelopeFilter) ([]*models.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR recipient = $2)
		ORDER BY created_at, id
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(filter.Status), filter.Recipient, limitOrAll(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	return collectEnvelopes(rows)
}

func (r *PostgresRepository) ClaimEnvelopes(ctx context.Context, limit int, claimedAt time.Time) ([]*models.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE envelopes e
		SET status = 'dispatching', claimed_at = $2
		FROM (
			SELECT id FROM envelopes
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) claimable
		WHERE e.id = claimable.id
		RETURNING e.id, e.recipient, e.payload, e.provenance, e.status, e.error_detail,
		          e.before_value, e.after_value, e.requeued_from, e.created_at,
		          e.claimed_at, e.completed_at
	`
	rows, err := r.db.Query(ctx, query, limitOrAll(limit), dbTime(claimedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to claim envelopes: %w", err)
	}
	claimed, err := collectEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (r *PostgresRepository) TransitionEnvelope(ctx context.Context, id string, from, to models.Status, detail map[string]any, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	detailJSON, err := jsonOrNull(detail)
	if err != nil {
		return err
	}

	ts := dbTime(at)
	var claimedAt, completedAt *time.Time
	if to == models.StatusDispatching {
		claimedAt = &ts
	}
	if to.Terminal() {
		completedAt = &ts
	}

	query := `
		UPDATE envelopes
		SET status = $3, error_detail = $4,
		    claimed_at = COALESCE($5, claimed_at),
		    completed_at = COALESCE($6, completed_at)
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, id, from, to, detailJSON, claimedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to transition envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "envelopes", id)
	}
	return nil
}

func (r *PostgresRepository) ListClaimedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE status = 'dispatching' AND claimed_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, dbTime(cutoff), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	return collectEnvelopes(rows)
}

// =============================================================================
// AUDIT
// =============================================================================

func (r *PostgresRepository) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}

	query := `
		INSERT INTO envelope_audit (id, envelope_id, recipient, provenance, before_value,
		                            after_value, status, self_service, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.EnvelopeID, rec.Recipient, provenance, rawOrNull(rec.Before),
		rawOrNull(rec.After), rec.Status, rec.SelfService, dbTime(rec.CreatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListAudit(ctx context.Context, envelopeID string) ([]*models.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, envelope_id, recipient, provenance, before_value, after_value,
		       status, self_service, created_at
		FROM envelope_audit
		WHERE ($1 = '' OR envelope_id::text = $1)
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var (
			rec           models.AuditRecord
			provenance    []byte
			before, after []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EnvelopeID, &rec.Recipient, &provenance,
			&before, &after, &rec.Status, &rec.SelfService, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
			return nil, fmt.Errorf("failed to decode provenance: %w", err)
		}
		rec.Before = before
		rec.After = after
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// =============================================================================
// IGNORE RULES
// =============================================================================

func (r *PostgresRepository) CreateIgnoreRule(ctx context.Context, rule *models.IgnoreRule) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO ignore_rules (id, source_type, pattern, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, rule.ID, rule.SourceType, rule.Pattern, dbTime(rule.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create ignore rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListIgnoreRules(ctx context.Context, sourceType models.SourceType) ([]*models.IgnoreRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, source_type, pattern, created_at
		FROM ignore_rules
		WHERE ($1 = '' OR source_type = $1)
		ORDER BY source_type, pattern
	`
	rows, err := r.db.Query(ctx, query, string(sourceType))
	if err != nil {
		return nil, fmt.Errorf("failed to list ignore rules: %w", err)
	}
	defer rows.Close()

	var out []*models.IgnoreRule
	for rows.Next() {
		var rule models.IgnoreRule
		if err := rows.Scan(&rule.ID, &rule.SourceType, &rule.Pattern, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignore rule: %w", err)
		}
		rule.CreatedAt = rule.CreatedAt.UTC()
		out = append(out, &rule)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteIgnoreRule(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM ignore_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ignore rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// missingOrConflict distinguishes a vanished row from a lost conditional write.
func (r *PostgresRepository) missingOrConflict(ctx context.Context, table, id string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanSource(row pgx.Row) (*models.Source, error) {
	var (
		s          models.Source
		intervalMS int64
		detail     []byte
	)
	err := row.Scan(
		&s.ID, &s.Type, &s.ExternalID, &s.Cursor, &intervalMS, &s.Jitter,
		&s.NextPollAt, &s.LastPollAttemptedAt, &s.LastSuccessfulPollAt,
		&s.ConsecutiveFailures, &detail, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &s.ErrorDetail); err != nil {
			return nil, fmt.Errorf("failed to decode error detail: %w", err)
		}
	}
	s.PollInterval = time.Duration(intervalMS) * time.Millisecond
	s.NextPollAt = s.NextPollAt.UTC()
	s.LastPollAttemptedAt = utcPtr(s.LastPollAttemptedAt)
	s.LastSuccessfulPollAt = utcPtr(s.LastSuccessfulPollAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func scanEnvelope(row pgx.Row) (*models.Envelope, error) {
	var (
		e                     models.Envelope
		payload, provenance   []byte
		detail, before, after []byte
		requeuedFrom          *string
	)
	err := row.Scan(
		&e.ID, &e.Recipient, &payload, &provenance, &e.Status, &detail,
		&before, &after, &requeuedFrom, &e.CreatedAt, &e.ClaimedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance: %w", err)
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.ErrorDetail); err != nil {
			return nil, fmt.Errorf("failed to decode error detail: %w", err)
		}
	}
	e.Payload = payload
	e.Before = before
	e.After = after
	if requeuedFrom != nil {
		e.RequeuedFrom = *requeuedFrom
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.ClaimedAt = utcPtr(e.ClaimedAt)
	e.CompletedAt = utcPtr(e.CompletedAt)
	return &e, nil
}

func collectEnvelopes(rows pgx.Rows) ([]*models.Envelope, error) {
	defer rows.Close()

	var out []*models.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read envelopes: %w", err)
	}
	return out, nil
}

// isInvalidText reports a value the column type rejects, such as a malformed uuid.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// jsonOrNull encodes m for a JSONB column, mapping an empty map to SQL NULL.
func jsonOrNull(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error detail: %w", err)
	}
	return data, nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func stringOrNull(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
