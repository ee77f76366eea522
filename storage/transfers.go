package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"skinparty/models"
)

// RecordTransfer inserts a transfer row, or refreshes its state when the id already exists.
func (s *Store) RecordTransfer(transfer models.Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.State == "" {
		transfer.State = models.TransferRequested
	}
	if err := validateTransferState(transfer.State); err != nil {
		return err
	}
	startedAt := transfer.StartedAt.UnixMilli()
	if transfer.StartedAt.IsZero() {
		startedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_id,
			file_name,
			file_size,
			content_hash,
			mime_type,
			champion,
			item_id,
			chroma_id,
			subject_name,
			state,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			state = excluded.state`,
		transfer.ID,
		transfer.Direction,
		transfer.PeerID,
		transfer.Metadata.FileName,
		transfer.Metadata.FileSize,
		transfer.Metadata.ContentHash,
		transfer.Metadata.MimeType,
		transfer.Subject.Champion,
		transfer.Subject.ItemID,
		transfer.Subject.ChromaID,
		transfer.Subject.Name,
		transfer.State,
		startedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.ID, err)
	}

	return nil
}

// FinishTransfer stores the terminal state of a transfer.
func (s *Store) FinishTransfer(transferID string, state models.TransferState, reason string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferState(state); err != nil {
		return err
	}
	if !state.Terminal() {
		return fmt.Errorf("transfer state %q is not terminal", state)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET state = ?, reason = ?, finished_at = ?
		WHERE transfer_id = ?`,
		state,
		reason,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one history row.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	row := s.db.QueryRow(transferSelect+` WHERE transfer_id = ?`, transferID)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return record, nil
}

// ListTransfers returns the newest history rows first. A limit <= 0 returns every row.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	query := transferSelect + ` ORDER BY started_at DESC, transfer_id`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// PruneTransfers removes finished rows older than cutoffTimestamp. Unfinished rows are kept.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}

	return rowsAffected, nil
}

const transferSelect = `SELECT
	transfer_id,
	direction,
	peer_id,
	file_name,
	file_size,
	content_hash,
	mime_type,
	champion,
	item_id,
	chroma_id,
	subject_name,
	state,
	reason,
	started_at,
	finished_at
FROM transfers`

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record     TransferRecord
		finishedAt sql.NullInt64
	)

	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerID,
		&record.Metadata.FileName,
		&record.Metadata.FileSize,
		&record.Metadata.ContentHash,
		&record.Metadata.MimeType,
		&record.Subject.Champion,
		&record.Subject.ItemID,
		&record.Subject.ChromaID,
		&record.Subject.Name,
		&record.State,
		&record.Reason,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	record.FinishedAt = int64Ptr(finishedAt)

	return &record, nil
}
