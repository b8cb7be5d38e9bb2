package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("ledger: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("ledger: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger: migrate up: %w", err)
	}
	return nil
}

// Postgres is the production Ledger.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. Call Migrate first.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) AddViolation(ctx context.Context, v Violation) (Violation, error) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	categories := v.Categories
	if categories == nil {
		categories = []string{}
	}
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return v, fmt.Errorf("ledger: marshal categories: %w", err)
	}

	const query = `
		INSERT INTO violations (user_id, guild_id, created_at, content, categories, details, muted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = p.db.QueryRowContext(ctx, query,
		v.UserID, v.GuildID, v.Timestamp, v.Content, catJSON, v.Details, v.Muted,
	).Scan(&v.ID)
	if err != nil {
		return v, fmt.Errorf("ledger: insert violation: %w", err)
	}
	return v, nil
}

func (p *Postgres) CountViolations(ctx context.Context, userID, guildID string) (int, error) {
	const query = `SELECT COUNT(*) FROM violations WHERE user_id = $1 AND guild_id = $2`

	var count int
	if err := p.db.QueryRowContext(ctx, query, userID, guildID).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count violations: %w", err)
	}
	return count, nil
}

func (p *Postgres) RecentViolations(ctx context.Context, userID, guildID string, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, user_id, guild_id, created_at, content, categories, details, muted
		FROM violations
		WHERE user_id = $1 AND guild_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, userID, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var catJSON []byte
		if err := rows.Scan(&v.ID, &v.UserID, &v.GuildID, &v.Timestamp, &v.Content, &catJSON, &v.Details, &v.Muted); err != nil {
			return nil, fmt.Errorf("ledger: scan violation: %w", err)
		}
		if err := json.Unmarshal(catJSON, &v.Categories); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal categories: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate violations: %w", err)
	}
	return out, nil
}

func (p *Postgres) AddMute(ctx context.Context, m Mute) (Mute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	m.Active = true
	const insert = `
		INSERT INTO mutes (user_id, guild_id, start_time, end_time, violation_count, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id`

	var end sql.NullTime
	if m.End != nil {
		end = sql.NullTime{Time: *m.End, Valid: true}
	}
	if err := tx.QueryRowContext(ctx, insert, m.UserID, m.GuildID, m.Start, end, m.ViolationCount).Scan(&m.ID); err != nil {
		return m, fmt.Errorf("ledger: insert mute: %w", err)
	}

	const markMuted = `
		UPDATE violations SET muted = TRUE
		WHERE id = (
			SELECT id FROM violations
			WHERE user_id = $1 AND guild_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)`
	if _, err := tx.ExecContext(ctx, markMuted, m.UserID, m.GuildID); err != nil {
		return m, fmt.Errorf("ledger: mark violation muted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("ledger: commit: %w", err)
	}
	return m, nil
}

func (p *Postgres) ActiveMute(ctx context.Context, userID, guildID string, now time.Time) (*Mute, error) {
	const query = `
		SELECT id, user_id, guild_id, start_time, end_time, violation_count, active
		FROM mutes
		WHERE user_id = $1 AND guild_id = $2 AND active
		ORDER BY start_time DESC, id DESC
		LIMIT 1`

	var m Mute
	var end sql.NullTime
	err := p.db.QueryRowContext(ctx, query, userID, guildID).
		Scan(&m.ID, &m.UserID, &m.GuildID, &m.Start, &end, &m.ViolationCount, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: query active mute: %w", err)
	}
	if end.Valid {
		t := end.Time
		m.End = &t
	}

	if m.Expired(now) {
		if _, err := p.db.ExecContext(ctx, `UPDATE mutes SET active = FALSE WHERE id = $1`, m.ID); err != nil {
			return nil, fmt.Errorf("ledger: deactivate mute: %w", err)
		}
		return nil, nil
	}
	return &m, nil
}

func (p *Postgres) ExpireMutes(ctx context.Context, now time.Time) (int, error) {
	const query = `
		UPDATE mutes SET active = FALSE
		WHERE active AND end_time IS NOT NULL AND end_time <= $1`

	res, err := p.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("ledger: expire mutes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: expire mutes rows: %w", err)
	}
	return int(n), nil
}
