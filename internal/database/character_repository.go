package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chapterbridge/nlp-worker/internal/characters"
	"github.com/chapterbridge/nlp-worker/internal/models"
)

// CharacterRepository handles the per-work character dossier. It implements
// characters.Store; the unique (work_id, lower(name)) index backs the merge
// engine's insert-or-merge protocol.
type CharacterRepository struct {
	db *DB
}

// NewCharacterRepository creates a new CharacterRepository
func NewCharacterRepository(db *DB) *CharacterRepository {
	return &CharacterRepository{db: db}
}

// ListByWork returns all characters of a work in insertion order
func (r *CharacterRepository) ListByWork(ctx context.Context, workID uuid.UUID) ([]models.Character, error) {
	query := `
		SELECT id, work_id, name, aliases, description, character_facts, model_version, created_at, updated_at
		FROM characters
		WHERE work_id = $1
		ORDER BY created_at ASC, id ASC
	`

	var out []models.Character
	err := withRetry(ctx, "list_characters", func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, workID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			ch, err := scanCharacter(rows)
			if err != nil {
				return err
			}
			out = append(out, ch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Insert creates a character row. A (work_id, lower(name)) collision returns
// characters.ErrDuplicate so the merge engine can re-read and merge instead.
func (r *CharacterRepository) Insert(ctx context.Context, ch *models.Character) (*models.Character, error) {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	factsJSON, err := json.Marshal(ch.CharacterFacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal character facts: %w", err)
	}

	query := `
		INSERT INTO characters (id, work_id, name, aliases, description, character_facts, model_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	out := *ch
	err = withRetry(ctx, "insert_character", func() error {
		return r.db.QueryRowContext(ctx, query,
			ch.ID, ch.WorkID, ch.Name, pq.Array(ch.Aliases), ch.Description,
			factsJSON, ch.ModelVersion,
		).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", characters.ErrDuplicate, ch.Name)
		}
		return nil, err
	}
	return &out, nil
}

// Update replaces a character's merged fields
func (r *CharacterRepository) Update(ctx context.Context, id uuid.UUID, aliases []string, facts []models.CharacterFact, description, modelVersion string) error {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("failed to marshal character facts: %w", err)
	}

	query := `
		UPDATE characters
		SET aliases = $2, character_facts = $3, description = $4, model_version = $5, updated_at = NOW()
		WHERE id = $1
	`

	return withRetry(ctx, "update_character", func() error {
		result, err := r.db.ExecContext(ctx, query, id, pq.Array(aliases), factsJSON, description, modelVersion)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("character %s not found", id)
		}
		return nil
	})
}

func scanCharacter(rows *sql.Rows) (models.Character, error) {
	var ch models.Character
	var factsJSON []byte
	err := rows.Scan(
		&ch.ID, &ch.WorkID, &ch.Name, pq.Array(&ch.Aliases), &ch.Description,
		&factsJSON, &ch.ModelVersion, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return ch, err
	}
	if len(factsJSON) > 0 {
		if err := json.Unmarshal(factsJSON, &ch.CharacterFacts); err != nil {
			return ch, fmt.Errorf("corrupt character_facts on %s: %w", ch.ID, err)
		}
	}
	return ch, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
