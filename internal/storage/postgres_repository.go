package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mentorlive/internal/models"
)

const (
	channelColumns = `id, remote_ref, label, ingest_url, playback_url, busy, enabled,
		assigned_session_id, last_used_at, last_assigned_at, usage_seconds, created_at, updated_at`
	sessionColumns = `id, presenter_id, topic, scheduled_at, planned_minutes, status,
		assigned_channel_id, stream_key, started_at, ended_at, created_at, updated_at`
)

// PostgresRepository implements Repository on a pgx connection pool. Channel
// claims rely on conditional UPDATEs so concurrent allocators serialize on
// the database row instead of an in-process lock.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgresRepository connects to the given DSN and verifies connectivity.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt.applyPostgres(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MinConns = cfg.MinConnections
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool, acquireTimeout: cfg.AcquireTimeout}
	pingCtx, cancel := repo.opContext(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return repo, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.acquireTimeout)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	return r.pool.Ping(opCtx)
}

func scanChannel(row pgx.Row) (models.Channel, error) {
	var ch models.Channel
	err := row.Scan(
		&ch.ID, &ch.RemoteRef, &ch.Label, &ch.IngestURL, &ch.PlaybackURL,
		&ch.Busy, &ch.Enabled, &ch.AssignedSessionID, &ch.LastUsedAt,
		&ch.LastAssignedAt, &ch.UsageSeconds, &ch.CreatedAt, &ch.UpdatedAt,
	)
	return ch, err
}

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		sess   models.Session
		status string
	)
	err := row.Scan(
		&sess.ID, &sess.PresenterID, &sess.Topic, &sess.ScheduledAt,
		&sess.PlannedMinutes, &status, &sess.AssignedChannelID, &sess.StreamKey,
		&sess.StartedAt, &sess.EndedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return models.Session{}, err
	}
	parsed, ok := models.ParseSessionStatus(status)
	if !ok {
		return models.Session{}, fmt.Errorf("session %s has unknown status %q", sess.ID, status)
	}
	sess.Status = parsed
	return sess, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (models.Channel, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	row := r.pool.QueryRow(opCtx, `INSERT INTO channels (id, remote_ref, label, ingest_url, playback_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+channelColumns,
		id, params.RemoteRef, params.Label, params.IngestURL, params.PlaybackURL)
	ch, err := scanChannel(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Channel{}, fmt.Errorf("%w: channel ref %s already registered", ErrConflict, params.RemoteRef)
		}
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(opCtx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, id)
		}
		return models.Channel{}, fmt.Errorf("select channel: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) queryChannels(ctx context.Context, query string, args ...any) ([]models.Channel, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	channels := make([]models.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

func (r *PostgresRepository) ListChannels(ctx context.Context) ([]models.Channel, error) {
	return r.queryChannels(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY label, id`)
}

func (r *PostgresRepository) ListCandidateChannels(ctx context.Context) ([]models.Channel, error) {
	return r.queryChannels(ctx, `SELECT `+channelColumns+` FROM channels
		WHERE busy = FALSE AND enabled = TRUE
		ORDER BY last_used_at ASC NULLS FIRST, id`)
}

func (r *PostgresRepository) PoolCounts(ctx context.Context) (PoolCounts, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	var counts PoolCounts
	row := r.pool.QueryRow(opCtx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE busy = FALSE AND enabled = TRUE),
		COUNT(*) FILTER (WHERE busy = TRUE),
		COUNT(*) FILTER (WHERE enabled = FALSE)
		FROM channels`)
	if err := row.Scan(&counts.Total, &counts.Available, &counts.Busy, &counts.Disabled); err != nil {
		return PoolCounts{}, fmt.Errorf("count channels: %w", err)
	}
	return counts, nil
}

func (r *PostgresRepository) SetChannelEnabled(ctx context.Context, id string, enabled bool) (models.Channel, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(opCtx, `UPDATE channels SET enabled = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+channelColumns, id, enabled)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, id)
		}
		return models.Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) DeleteChannel(ctx context.Context, id string) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `DELETE FROM channels WHERE id = $1 AND busy = FALSE`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var busy bool
		err := r.pool.QueryRow(opCtx, `SELECT busy FROM channels WHERE id = $1`, id).Scan(&busy)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: channel %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("inspect channel: %w", err)
		}
		return fmt.Errorf("%w: channel %s is busy", ErrConflict, id)
	}
	return nil
}

func (r *PostgresRepository) ClaimChannel(ctx context.Context, channelID, sessionID string) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	// The WHERE clause makes the claim conditional: a channel already busy,
	// or disabled for a real session, never transitions. Quarantine claims
	// (empty sessionID) may take disabled channels so drift is parked even
	// on channels pulled from rotation.
	tag, err := r.pool.Exec(opCtx, `UPDATE channels SET
			busy = TRUE,
			assigned_session_id = NULLIF($2, ''),
			last_assigned_at = now(),
			updated_at = now()
		WHERE id = $1 AND busy = FALSE AND (enabled = TRUE OR $2 = '')`,
		channelID, sessionID)
	if err != nil {
		return fmt.Errorf("claim channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(opCtx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&exists); err != nil {
			return fmt.Errorf("inspect channel: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
		}
		return fmt.Errorf("%w: channel %s not claimable", ErrConflict, channelID)
	}
	return nil
}

func (r *PostgresRepository) ReleaseChannel(ctx context.Context, channelID string) (bool, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `UPDATE channels SET
			busy = FALSE,
			assigned_session_id = NULL,
			last_used_at = now(),
			usage_seconds = usage_seconds + COALESCE(
				EXTRACT(EPOCH FROM (now() - last_assigned_at))::bigint, 0),
			last_assigned_at = NULL,
			updated_at = now()
		WHERE id = $1 AND busy = TRUE`, channelID)
	if err != nil {
		return false, fmt.Errorf("release channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(opCtx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&exists); err != nil {
			return false, fmt.Errorf("inspect channel: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
		}
		return false, nil
	}
	return true, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	row := r.pool.QueryRow(opCtx, `INSERT INTO sessions (id, presenter_id, topic, scheduled_at, planned_minutes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+sessionColumns,
		id, params.PresenterID, params.Topic, params.ScheduledAt.UTC(), params.PlannedMinutes, string(models.SessionScheduled))
	sess, err := scanSession(row)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (models.Session, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(opCtx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

func (r *PostgresRepository) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, presenterID string) ([]models.Session, error) {
	if presenterID == "" {
		return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	}
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE presenter_id = $1 ORDER BY created_at DESC, id`, presenterID)
}

func (r *PostgresRepository) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = $1 ORDER BY started_at, id`, string(models.SessionLive))
}

func (r *PostgresRepository) LiveSessionForChannel(ctx context.Context, channelID string) (models.Session, bool, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(opCtx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = $1 AND assigned_channel_id = $2
		ORDER BY started_at DESC LIMIT 1`, string(models.SessionLive), channelID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, fmt.Errorf("select live session: %w", err)
	}
	return sess, true, nil
}

func (r *PostgresRepository) transitionSession(ctx context.Context, id string, from models.SessionStatus, update string, args ...any) (models.Session, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	fullArgs := append([]any{id, string(from)}, args...)
	row := r.pool.QueryRow(opCtx, update, fullArgs...)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("update session: %w", err)
	}

	var status string
	lookupErr := r.pool.QueryRow(opCtx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(lookupErr, pgx.ErrNoRows) {
		return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if lookupErr != nil {
		return models.Session{}, fmt.Errorf("inspect session: %w", lookupErr)
	}
	return models.Session{}, fmt.Errorf("%w: session %s is %s, expected %s", ErrConflict, id, status, from)
}

func (r *PostgresRepository) StartSession(ctx context.Context, id, channelID, streamKey string, at time.Time) (models.Session, error) {
	return r.transitionSession(ctx, id, models.SessionScheduled, `UPDATE sessions SET
			status = '`+string(models.SessionLive)+`',
			assigned_channel_id = $3,
			stream_key = $4,
			started_at = $5,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns, channelID, streamKey, at.UTC())
}

func (r *PostgresRepository) endSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return r.transitionSession(ctx, id, models.SessionLive, `UPDATE sessions SET
			status = '`+string(models.SessionEnded)+`',
			stream_key = '',
			ended_at = $3,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns, at.UTC())
}

func (r *PostgresRepository) EndSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return r.endSession(ctx, id, at)
}

// ForceEndSession is the reconciliation path for vanished presenters; it is
// the same transition as EndSession, named separately so call sites read as
// operator action rather than presenter action.
func (r *PostgresRepository) ForceEndSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return r.endSession(ctx, id, at)
}

func (r *PostgresRepository) CancelSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return r.transitionSession(ctx, id, models.SessionScheduled, `UPDATE sessions SET
			status = '`+string(models.SessionCancelled)+`',
			ended_at = $3,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns, at.UTC())
}

var _ Repository = (*PostgresRepository)(nil)
