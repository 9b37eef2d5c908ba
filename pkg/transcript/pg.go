package transcript

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/andino-labs/callbridge/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PGRepository stores transcripts in Postgres. Save upserts the conversation
// row and appends any entries past the persisted high-water mark, so repeated
// flushes of a growing transcript only write the delta.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository connects to Postgres and applies pending migrations.
func NewPGRepository(ctx context.Context, dsn string) (*PGRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGRepository{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PGRepository) Close() { r.pool.Close() }

func (r *PGRepository) Save(ctx context.Context, c *Conversation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transcript: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var endTime *time.Time
	if !c.EndTime.IsZero() {
		endTime = &c.EndTime
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversations
			(conversation_id, agent_id, agent_name, caller_phone, caller_name,
			 language, country_code, start_time, end_time, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (conversation_id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status   = EXCLUDED.status,
			metadata = EXCLUDED.metadata`,
		c.ConversationID, c.AgentID, c.AgentName, c.CallerPhone, c.CallerName,
		c.Language, c.CountryCode, c.StartTime, endTime, c.Status, c.Metadata)
	if err != nil {
		return fmt.Errorf("transcript: upsert conversation: %w", err)
	}

	var persisted int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM transcript_entries WHERE conversation_id = $1`,
		c.ConversationID).Scan(&persisted)
	if err != nil {
		return fmt.Errorf("transcript: entry high-water mark: %w", err)
	}
	for _, e := range c.Entries {
		if e.Seq <= persisted {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO transcript_entries (conversation_id, seq, ts, speaker, text, audio_seconds)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ConversationID, e.Seq, e.Timestamp, e.Speaker, e.Text, e.AudioSeconds)
		if err != nil {
			return fmt.Errorf("transcript: insert entry %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transcript: commit: %w", err)
	}
	return nil
}

func (r *PGRepository) FindByID(ctx context.Context, conversationID string) (*Conversation, error) {
	var c Conversation
	var endTime *time.Time
	var callerName sql.NullString
	err := r.pool.QueryRow(ctx, `
		SELECT conversation_id, agent_id, agent_name, caller_phone, caller_name,
		       language, country_code, start_time, end_time, status, metadata
		FROM conversations WHERE conversation_id = $1`, conversationID).Scan(
		&c.ConversationID, &c.AgentID, &c.AgentName, &c.CallerPhone, &callerName,
		&c.Language, &c.CountryCode, &c.StartTime, &endTime, &c.Status, &c.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: select conversation: %w", err)
	}
	c.CallerName = callerName.String
	if endTime != nil {
		c.EndTime = *endTime
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seq, ts, speaker, text, audio_seconds
		FROM transcript_entries WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript: select entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Speaker, &e.Text, &e.AudioSeconds); err != nil {
			return nil, fmt.Errorf("transcript: scan entry: %w", err)
		}
		c.Entries = append(c.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: iterate entries: %w", err)
	}
	return &c, nil
}

func (r *PGRepository) FindRecent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.querySummaries(ctx, `
		SELECT c.conversation_id, c.agent_id, c.agent_name, c.caller_phone, c.caller_name,
		       c.language, c.country_code, c.start_time, c.end_time, c.status,
		       (SELECT COUNT(*) FROM transcript_entries te WHERE te.conversation_id = c.conversation_id)
		FROM conversations c
		ORDER BY c.start_time DESC
		LIMIT $1`, limit)
}

func (r *PGRepository) FindByPhone(ctx context.Context, phone string) ([]Summary, error) {
	return r.querySummaries(ctx, `
		SELECT c.conversation_id, c.agent_id, c.agent_name, c.caller_phone, c.caller_name,
		       c.language, c.country_code, c.start_time, c.end_time, c.status,
		       (SELECT COUNT(*) FROM transcript_entries te WHERE te.conversation_id = c.conversation_id)
		FROM conversations c
		WHERE c.caller_phone = $1
		ORDER BY c.start_time DESC`, phone)
}

func (r *PGRepository) querySummaries(ctx context.Context, query string, arg any) ([]Summary, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("transcript: select summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var endTime *time.Time
		var callerName sql.NullString
		err := rows.Scan(&s.ConversationID, &s.AgentID, &s.AgentName, &s.CallerPhone, &callerName,
			&s.Language, &s.CountryCode, &s.StartTime, &endTime, &s.Status, &s.EntryCount)
		if err != nil {
			return nil, fmt.Errorf("transcript: scan summary: %w", err)
		}
		s.CallerName = callerName.String
		if endTime != nil {
			s.EndTime = *endTime
			s.DurationSeconds = int(endTime.Sub(s.StartTime).Seconds())
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: iterate summaries: %w", err)
	}
	return out, nil
}
