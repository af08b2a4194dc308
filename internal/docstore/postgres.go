package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"opentd/internal/storage"
)

// Postgres keeps each user document as a jsonb row in storage_documents.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) SetField(ctx context.Context, userID, field string, record storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO storage_documents (user_id, doc)
		VALUES ($1, jsonb_build_object('userId', $1::text, $2::text, $3::jsonb))
		ON CONFLICT (user_id) DO UPDATE
		SET doc = storage_documents.doc || jsonb_build_object($2::text, $3::jsonb),
		    updated_at = NOW()
	`, userID, field, string(data))
	if err != nil {
		return fmt.Errorf("set field %q: %w", field, err)
	}
	return nil
}

func (p *Postgres) UnsetField(ctx context.Context, userID, field string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE storage_documents
		SET doc = doc - $2::text, updated_at = NOW()
		WHERE user_id = $1
	`, userID, field)
	if err != nil {
		return fmt.Errorf("unset field %q: %w", field, err)
	}
	return nil
}

func (p *Postgres) Field(ctx context.Context, userID, field string) (*storage.Record, error) {
	var raw sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT doc -> $2::text FROM storage_documents WHERE user_id = $1`, userID, field).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field %q: %w", field, err)
	}
	var record storage.Record
	if err := json.Unmarshal([]byte(raw.String), &record); err != nil {
		return nil, fmt.Errorf("decode field %q: %w", field, err)
	}
	return &record, nil
}

func (p *Postgres) Fields(ctx context.Context, userID string) (map[string]storage.Record, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM storage_documents WHERE user_id = $1`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]storage.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	fields := make(map[string]string, len(raw))
	for field, value := range raw {
		fields[field] = string(value)
	}
	return decodeFields(fields)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
