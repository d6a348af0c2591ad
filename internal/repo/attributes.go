package repo

import (
	"context"
	"database/sql"

	"peerlink/internal/domain"
)

const attributeCols = `id,kind,owner,content_json,predecessor_id,successor_id,deletion_status,deleted_at,created_at,was_viewed_at`

func scanAttribute(scan func(dest ...any) error) (domain.Attribute, error) {
	var a domain.Attribute
	err := scan(&a.ID, &a.Kind, &a.Owner, &a.ContentJSON, &a.PredecessorID,
		&a.SuccessorID, &a.DeletionStatus, &a.DeletedAt, &a.CreatedAt, &a.WasViewedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAttributeTx(ctx context.Context, tx *sql.Tx, a domain.Attribute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attributes(`+attributeCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.Owner, a.ContentJSON, a.PredecessorID, a.SuccessorID,
		a.DeletionStatus, a.DeletedAt, a.CreatedAt, a.WasViewedAt)
	return err
}

func (r Repo) GetAttribute(ctx context.Context, id string) (domain.Attribute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attributeCols+` FROM attributes WHERE id=?`, id)
	return scanAttribute(row.Scan)
}

func (r Repo) GetAttributeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Attribute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+attributeCols+` FROM attributes WHERE id=?`, id)
	return scanAttribute(row.Scan)
}

func (r Repo) UpdateAttributeTx(ctx context.Context, tx *sql.Tx, a domain.Attribute) error {
	res, err := tx.ExecContext(ctx, `UPDATE attributes SET content_json=?,predecessor_id=?,successor_id=?,deletion_status=?,deleted_at=?,was_viewed_at=? WHERE id=?`,
		a.ContentJSON, a.PredecessorID, a.SuccessorID, a.DeletionStatus, a.DeletedAt, a.WasViewedAt, a.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AttributeFilter narrows ListAttributes.
type AttributeFilter struct {
	Owner       string
	Kind        string
	OnlyCurrent bool
}

func (r Repo) ListAttributes(ctx context.Context, f AttributeFilter) ([]domain.Attribute, error) {
	query := `SELECT ` + attributeCols + ` FROM attributes WHERE 1=1`
	var args []any
	if f.Owner != "" {
		query += ` AND owner=?`
		args = append(args, f.Owner)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	if f.OnlyCurrent {
		query += ` AND successor_id IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attribute
	for rows.Next() {
		a, err := scanAttribute(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
