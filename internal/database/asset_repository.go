package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// AssetRepository handles asset rows and their segment links
type AssetRepository struct {
	db *DB
}

// NewAssetRepository creates a new AssetRepository
func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Upsert inserts an asset row keyed by its store key. Reprocessing a segment
// rewrites the same key, so a conflict refreshes size, digest, and content
// type in place.
func (r *AssetRepository) Upsert(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}

	query := `
		INSERT INTO assets (id, provider, bucket, r2_key, asset_type, content_type, bytes, sha256, upload_source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (r2_key) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			bytes = EXCLUDED.bytes,
			sha256 = EXCLUDED.sha256,
			upload_source = EXCLUDED.upload_source
		RETURNING id, created_at
	`

	out := *asset
	err := withRetry(ctx, "upsert_asset", func() error {
		return r.db.QueryRowContext(ctx, query,
			asset.ID, asset.Provider, asset.Bucket, asset.R2Key, asset.AssetType,
			asset.ContentType, asset.Bytes, asset.SHA256, asset.UploadSource,
		).Scan(&out.ID, &out.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetByKey returns the asset stored under an exact store key, or nil when no
// such asset exists.
func (r *AssetRepository) GetByKey(ctx context.Context, r2Key string) (*models.Asset, error) {
	query := `
		SELECT id, provider, bucket, r2_key, asset_type, content_type, bytes, sha256, upload_source, created_at
		FROM assets
		WHERE r2_key = $1
	`

	asset := &models.Asset{}
	err := withRetry(ctx, "get_asset_by_key", func() error {
		return r.db.QueryRowContext(ctx, query, r2Key).Scan(
			&asset.ID, &asset.Provider, &asset.Bucket, &asset.R2Key, &asset.AssetType,
			&asset.ContentType, &asset.Bytes, &asset.SHA256, &asset.UploadSource, &asset.CreatedAt,
		)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// BySegmentAndType returns a segment's linked assets of one type, ordered by
// store key so multi-part inputs (manhwa OCR pages) come back in a stable
// order.
func (r *AssetRepository) BySegmentAndType(ctx context.Context, segmentID uuid.UUID, assetType string) ([]models.Asset, error) {
	query := `
		SELECT a.id, a.provider, a.bucket, a.r2_key, a.asset_type, a.content_type, a.bytes, a.sha256, a.upload_source, a.created_at
		FROM segment_assets sa
		JOIN assets a ON a.id = sa.asset_id
		WHERE sa.segment_id = $1 AND a.asset_type = $2
		ORDER BY a.r2_key ASC
	`

	var out []models.Asset
	err := withRetry(ctx, "assets_by_segment", func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, segmentID, assetType)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a models.Asset
			err := rows.Scan(
				&a.ID, &a.Provider, &a.Bucket, &a.R2Key, &a.AssetType,
				&a.ContentType, &a.Bytes, &a.SHA256, &a.UploadSource, &a.CreatedAt,
			)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LinkSegment attaches an asset to a segment with a role. Links are
// idempotent; relinking updates the role.
func (r *AssetRepository) LinkSegment(ctx context.Context, segmentID, assetID uuid.UUID, role string) error {
	query := `
		INSERT INTO segment_assets (segment_id, asset_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (segment_id, asset_id) DO UPDATE SET role = EXCLUDED.role
	`

	return withRetry(ctx, "link_segment_asset", func() error {
		_, err := r.db.ExecContext(ctx, query, segmentID, assetID, role)
		return err
	})
}
