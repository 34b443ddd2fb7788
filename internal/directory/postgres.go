package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects through the pgx stdlib driver and checks the
// connection before returning.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return conn, nil
}

// Postgres keeps rooms in a single table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the schema if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            id TEXT PRIMARY KEY,
            name VARCHAR(100) NOT NULL,
            visibility VARCHAR(10) CHECK (visibility IN ('PUBLIC', 'PRIVATE')) DEFAULT 'PUBLIC',
            code_hash TEXT NOT NULL DEFAULT '',
            max_people INT NOT NULL DEFAULT 0,
            current_people INT NOT NULL DEFAULT 0,
            created_by VARCHAR(200) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
            ends_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS rooms_listing_idx ON rooms (visibility, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const roomColumns = `id, name, visibility, code_hash, max_people, current_people, created_by, created_at, ends_at`

func (p *Postgres) Create(ctx context.Context, room Room) error {
	var endsAt sql.NullTime
	if !room.EndsAt.IsZero() {
		endsAt = sql.NullTime{Time: room.EndsAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		room.ID, room.Name, string(room.Visibility), room.CodeHash, room.MaxPeople,
		room.CurrentPeople, room.CreatedBy, room.CreatedAt, endsAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("directory: create room: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var (
		room       Room
		visibility string
		endsAt     sql.NullTime
	)
	err := row.Scan(&room.ID, &room.Name, &visibility, &room.CodeHash, &room.MaxPeople,
		&room.CurrentPeople, &room.CreatedBy, &room.CreatedAt, &endsAt)
	if err != nil {
		return Room{}, err
	}
	room.Visibility = Visibility(visibility)
	if endsAt.Valid {
		room.EndsAt = endsAt.Time
	}
	return room, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Room, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("directory: get room: %w", err)
	}
	return room, nil
}

func (p *Postgres) List(ctx context.Context, now time.Time) ([]Room, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE visibility = 'PUBLIC' AND (ends_at IS NULL OR ends_at > $1)
		ORDER BY created_at DESC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("directory: list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: list rooms: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (p *Postgres) SetPeople(ctx context.Context, id string, people int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rooms SET current_people = $2 WHERE id = $1`, id, people)
	if err != nil {
		return fmt.Errorf("directory: set people: %w", err)
	}
	return mustAffect(res)
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("directory: delete room: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
