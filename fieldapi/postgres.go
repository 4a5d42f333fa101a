// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mobiletoly/go-fieldsync/fieldapi/migrations"
	"github.com/pressly/goose/v3"
)

// PostgresRepository stores server state in PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRepository applies the schema and returns a repository bound to pool.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := RunMigrations(ctx, pool); err != nil {
		return nil, err
	}
	logger.Debug("Database schema initialized successfully")
	return &PostgresRepository{pool: pool, logger: logger}, nil
}

// RunMigrations applies the embedded schema to the database behind pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PutForm(ctx context.Context, form *Form) error {
	doc, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("failed to marshal form: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO forms (id, project_id, version, doc, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET project_id = EXCLUDED.project_id, version = EXCLUDED.version, doc = EXCLUDED.doc, updated_at = now()`,
		form.ID, form.ProjectID, form.Version, doc)
	if err != nil {
		return fmt.Errorf("failed to upsert form %s: %w", form.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetForm(ctx context.Context, id string) (*Form, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM forms WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get form %s: %w", id, err)
	}
	var f Form
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("failed to decode form %s: %w", id, err)
	}
	return &f, nil
}

func (r *PostgresRepository) ListForms(ctx context.Context, projectID string) ([]*Form, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM forms WHERE $1::text = '' OR project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	out := make([]*Form, 0, len(docs))
	for _, doc := range docs {
		var f Form
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, fmt.Errorf("failed to decode form: %w", err)
		}
		out = append(out, &f)
	}
	return out, nil
}

func (r *PostgresRepository) CreateSubmission(ctx context.Context, sub *Submission) (*Submission, bool, error) {
	doc, err := json.Marshal(sub)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal submission: %w", err)
	}

	var (
		stored  *Submission
		created bool
	)
	err = withTxRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO submissions (id, user_id, form_id, project_id, doc, received_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING`,
				sub.ID, sub.UserID, sub.FormID, sub.ProjectID, doc, sub.ReceivedAt)
			if err != nil {
				return err
			}
			created = tag.RowsAffected() == 1
			var stDoc []byte
			if err := tx.QueryRow(ctx, `SELECT doc FROM submissions WHERE id = $1`, sub.ID).Scan(&stDoc); err != nil {
				return err
			}
			stored = &Submission{}
			return json.Unmarshal(stDoc, stored)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create submission %s: %w", sub.ID, err)
	}
	return stored, created, nil
}

func (r *PostgresRepository) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM submissions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission %s: %w", id, err)
	}
	var s Submission
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to decode submission %s: %w", id, err)
	}
	return &s, nil
}

func (r *PostgresRepository) PutChunk(ctx context.Context, c *StoredChunk) (int, error) {
	var received int
	err := withTxRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO media_chunks (media_id, chunk_index, total_chunks, user_id, field_name, form_data_id, filename, content_type, data)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (media_id, chunk_index) DO UPDATE
				SET total_chunks = EXCLUDED.total_chunks, data = EXCLUDED.data`,
				c.MediaID, c.Index, c.Total, c.UserID, c.FieldName, c.FormDataID, c.Filename, c.Type, c.Data)
			if err != nil {
				return err
			}
			return tx.QueryRow(ctx, `SELECT COUNT(*) FROM media_chunks WHERE media_id = $1`, c.MediaID).Scan(&received)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store chunk %d of %s: %w", c.Index, c.MediaID, err)
	}
	return received, nil
}

func (r *PostgresRepository) ListChunks(ctx context.Context, mediaID string) ([]*StoredChunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT media_id, chunk_index, total_chunks, user_id, field_name, form_data_id, filename, content_type, data
		FROM media_chunks WHERE media_id = $1 ORDER BY chunk_index`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", mediaID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*StoredChunk, error) {
		var c StoredChunk
		err := row.Scan(&c.MediaID, &c.Index, &c.Total, &c.UserID, &c.FieldName, &c.FormDataID, &c.Filename, &c.Type, &c.Data)
		return &c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", mediaID, err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteChunks(ctx context.Context, mediaID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM media_chunks WHERE media_id = $1`, mediaID); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", mediaID, err)
	}
	return nil
}

func (r *PostgresRepository) PutMedia(ctx context.Context, m *StoredMedia) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media (id, user_id, filename, content_type, field_name, size, chunks, url, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url, completed_at = EXCLUDED.completed_at`,
		m.ID, m.UserID, m.Filename, m.Type, m.FieldName, m.Size, m.Chunks, m.URL, m.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to store media %s: %w", m.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetMedia(ctx context.Context, id string) (*StoredMedia, error) {
	var m StoredMedia
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, filename, content_type, field_name, size, chunks, url, completed_at
		FROM media WHERE id = $1`, id).
		Scan(&m.ID, &m.UserID, &m.Filename, &m.Type, &m.FieldName, &m.Size, &m.Chunks, &m.URL, &m.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media %s: %w", id, err)
	}
	return &m, nil
}
