package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the personas table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    age               INTEGER NOT NULL DEFAULT 0,
    occupation        TEXT NOT NULL DEFAULT '',
    location          TEXT NOT NULL DEFAULT '',
    quote             TEXT NOT NULL DEFAULT '',
    bio               TEXT NOT NULL DEFAULT '',
    motivations       JSONB NOT NULL DEFAULT '[]',
    frustrations      JSONB NOT NULL DEFAULT '[]',
    brands            JSONB NOT NULL DEFAULT '[]',
    chat_instructions TEXT NOT NULL DEFAULT '',
    avatar_url        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_personas_name ON personas(name);
`

const selectColumns = `
	id, name, age, occupation, location, quote, bio,
	motivations, frustrations, brands, chat_instructions, avatar_url,
	created_at, updated_at`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. List fields are
// stored as JSONB arrays.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given connection
// or pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("persona: migrate: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Descriptor, error) {
	query := `SELECT ` + selectColumns + ` FROM personas WHERE id = $1`

	d, err := scanDescriptor(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("persona: get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("persona: get %q: %w", id, err)
	}
	return d, nil
}

// Put implements [Store.Put] as an INSERT ... ON CONFLICT upsert.
func (s *PostgresStore) Put(ctx context.Context, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	motJSON, err := json.Marshal(emptySlice(d.Motivations))
	if err != nil {
		return fmt.Errorf("persona: marshal motivations: %w", err)
	}
	frJSON, err := json.Marshal(emptySlice(d.Frustrations))
	if err != nil {
		return fmt.Errorf("persona: marshal frustrations: %w", err)
	}
	brJSON, err := json.Marshal(emptySlice(d.Brands))
	if err != nil {
		return fmt.Errorf("persona: marshal brands: %w", err)
	}

	const query = `
		INSERT INTO personas (
			id, name, age, occupation, location, quote, bio,
			motivations, frustrations, brands, chat_instructions, avatar_url
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			age = EXCLUDED.age,
			occupation = EXCLUDED.occupation,
			location = EXCLUDED.location,
			quote = EXCLUDED.quote,
			bio = EXCLUDED.bio,
			motivations = EXCLUDED.motivations,
			frustrations = EXCLUDED.frustrations,
			brands = EXCLUDED.brands,
			chat_instructions = EXCLUDED.chat_instructions,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		d.ID, d.Name, d.Age, d.Occupation, d.Location, d.Quote, d.Bio,
		motJSON, frJSON, brJSON, d.ChatInstructions, d.AvatarURL,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persona: put %q: %w", d.ID, err)
	}
	return nil
}

// Delete implements [Store.Delete].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM personas WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("persona: delete %q: %w", id, err)
	}
	return nil
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context) ([]Descriptor, error) {
	query := `SELECT ` + selectColumns + ` FROM personas ORDER BY name, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("persona: list: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("persona: list scan: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persona: list: %w", err)
	}
	return out, nil
}

// scanDescriptor reads one row in selectColumns order.
func scanDescriptor(row pgx.Row) (*Descriptor, error) {
	var d Descriptor
	var motJSON, frJSON, brJSON []byte

	if err := row.Scan(
		&d.ID, &d.Name, &d.Age, &d.Occupation, &d.Location, &d.Quote, &d.Bio,
		&motJSON, &frJSON, &brJSON, &d.ChatInstructions, &d.AvatarURL,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(motJSON, &d.Motivations); err != nil {
		return nil, fmt.Errorf("persona: unmarshal motivations: %w", err)
	}
	if err := json.Unmarshal(frJSON, &d.Frustrations); err != nil {
		return nil, fmt.Errorf("persona: unmarshal frustrations: %w", err)
	}
	if err := json.Unmarshal(brJSON, &d.Brands); err != nil {
		return nil, fmt.Errorf("persona: unmarshal brands: %w", err)
	}
	return &d, nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
