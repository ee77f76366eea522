package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"skinparty/models"
)

// SaveAsset inserts an imported asset, replacing any row stored at the same path.
func (s *Store) SaveAsset(asset models.AssetRecord) error {
	if asset.ID == "" {
		return errors.New("asset_id is required")
	}
	if asset.Subject.Champion == "" {
		return errors.New("champion is required")
	}
	if asset.FileName == "" {
		return errors.New("file_name is required")
	}
	if asset.Path == "" {
		return errors.New("stored_path is required")
	}
	if asset.ImportedAt == 0 {
		asset.ImportedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO assets (
			asset_id,
			champion,
			item_id,
			chroma_id,
			subject_name,
			file_name,
			stored_path,
			content_hash,
			byte_size,
			imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stored_path) DO UPDATE SET
			asset_id = excluded.asset_id,
			champion = excluded.champion,
			item_id = excluded.item_id,
			chroma_id = excluded.chroma_id,
			subject_name = excluded.subject_name,
			file_name = excluded.file_name,
			content_hash = excluded.content_hash,
			byte_size = excluded.byte_size,
			imported_at = excluded.imported_at`,
		asset.ID,
		asset.Subject.Champion,
		asset.Subject.ItemID,
		asset.Subject.ChromaID,
		asset.Subject.Name,
		asset.FileName,
		asset.Path,
		asset.ContentHash,
		asset.ByteSize,
		asset.ImportedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset %q: %w", asset.Path, err)
	}

	return nil
}

// FindAsset returns the newest asset for a champion and file name.
func (s *Store) FindAsset(champion, fileName string) (*models.AssetRecord, error) {
	row := s.db.QueryRow(
		assetSelect+` WHERE champion = ? AND file_name = ? ORDER BY imported_at DESC LIMIT 1`,
		champion,
		fileName,
	)

	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find asset %q/%q: %w", champion, fileName, err)
	}

	return asset, nil
}

// ListAssets returns every indexed asset ordered by champion and file name.
func (s *Store) ListAssets() ([]models.AssetRecord, error) {
	rows, err := s.db.Query(assetSelect + ` ORDER BY champion, file_name, imported_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]models.AssetRecord, 0)
	for rows.Next() {
		asset, scanErr := scanAsset(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan asset row: %w", scanErr)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset rows: %w", err)
	}
	return assets, nil
}

// DeleteAssetByPath removes the row for a stored file.
func (s *Store) DeleteAssetByPath(path string) error {
	if path == "" {
		return errors.New("stored_path is required")
	}

	res, err := s.db.Exec(`DELETE FROM assets WHERE stored_path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete asset %q: %w", path, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for asset %q: %w", path, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

const assetSelect = `SELECT
	asset_id,
	champion,
	item_id,
	chroma_id,
	subject_name,
	file_name,
	stored_path,
	content_hash,
	byte_size,
	imported_at
FROM assets`

func scanAsset(row scanner) (*models.AssetRecord, error) {
	var asset models.AssetRecord
	if err := row.Scan(
		&asset.ID,
		&asset.Subject.Champion,
		&asset.Subject.ItemID,
		&asset.Subject.ChromaID,
		&asset.Subject.Name,
		&asset.FileName,
		&asset.Path,
		&asset.ContentHash,
		&asset.ByteSize,
		&asset.ImportedAt,
	); err != nil {
		return nil, err
	}
	return &asset, nil
}
