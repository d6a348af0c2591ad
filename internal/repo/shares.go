package repo

import (
	"context"
	"database/sql"

	"peerlink/internal/domain"
)

const shareCols = `id,attribute_id,peer,source_type,source_id,shared_at,deletion_status,deleted_at`

func scanShare(scan func(dest ...any) error) (domain.SharedAttributeRecord, error) {
	var s domain.SharedAttributeRecord
	err := scan(&s.ID, &s.AttributeID, &s.Peer, &s.SourceType, &s.SourceID,
		&s.SharedAt, &s.DeletionStatus, &s.DeletedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertShareTx(ctx context.Context, tx *sql.Tx, s domain.SharedAttributeRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attribute_shares(`+shareCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.AttributeID, s.Peer, s.SourceType, s.SourceID, s.SharedAt, s.DeletionStatus, s.DeletedAt)
	return err
}

// GetActiveShare returns the live share record for the (attribute, peer)
// pair, or ErrNotFound. At most one such record exists at a time.
func (r Repo) GetActiveShare(ctx context.Context, attributeID, peer string) (domain.SharedAttributeRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+shareCols+` FROM attribute_shares WHERE attribute_id=? AND peer=? AND deletion_status IS NULL LIMIT 1`,
		attributeID, peer)
	return scanShare(row.Scan)
}

func (r Repo) GetActiveShareTx(ctx context.Context, tx *sql.Tx, attributeID, peer string) (domain.SharedAttributeRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+shareCols+` FROM attribute_shares WHERE attribute_id=? AND peer=? AND deletion_status IS NULL LIMIT 1`,
		attributeID, peer)
	return scanShare(row.Scan)
}

// ShareFilter narrows ListShares. With OnlyActive false, historical (soft
// deleted) records are included.
type ShareFilter struct {
	AttributeID string
	Peer        string
	OnlyActive  bool
}

func (r Repo) ListShares(ctx context.Context, f ShareFilter) ([]domain.SharedAttributeRecord, error) {
	query := `SELECT ` + shareCols + ` FROM attribute_shares WHERE 1=1`
	var args []any
	if f.AttributeID != "" {
		query += ` AND attribute_id=?`
		args = append(args, f.AttributeID)
	}
	if f.Peer != "" {
		query += ` AND peer=?`
		args = append(args, f.Peer)
	}
	if f.OnlyActive {
		query += ` AND deletion_status IS NULL`
	}
	query += ` ORDER BY shared_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SharedAttributeRecord
	for rows.Next() {
		s, err := scanShare(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MarkSharesDeletedTx soft-deletes every active share for a peer (all
// attributes) or a single attribute when attributeID is set. Rows are never
// removed; the deletion status and date preserve the audit trail.
func (r Repo) MarkSharesDeletedTx(ctx context.Context, tx *sql.Tx, peer, attributeID, status, deletedAt string) (int64, error) {
	query := `UPDATE attribute_shares SET deletion_status=?, deleted_at=? WHERE peer=? AND deletion_status IS NULL`
	args := []any{status, deletedAt, peer}
	if attributeID != "" {
		query += ` AND attribute_id=?`
		args = append(args, attributeID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
