package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerlink/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestCols = `id,direction,peer,status,content_json,source_type,source_id,response_json,response_source_id,was_automated,expires_at,created_at,updated_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var r domain.Request
	var wasAutomated int
	err := scan(&r.ID, &r.Direction, &r.Peer, &r.Status, &r.ContentJSON,
		&r.SourceType, &r.SourceID, &r.ResponseJSON, &r.ResponseSourceID,
		&wasAutomated, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	r.WasAutomated = wasAutomated != 0
	return r, err
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Direction, req.Peer, req.Status, req.ContentJSON,
		req.SourceType, req.SourceID, req.ResponseJSON, req.ResponseSourceID,
		boolInt(req.WasAutomated), req.ExpiresAt, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?,content_json=?,source_type=?,source_id=?,response_json=?,response_source_id=?,was_automated=?,updated_at=? WHERE id=?`,
		req.Status, req.ContentJSON, req.SourceType, req.SourceID,
		req.ResponseJSON, req.ResponseSourceID, boolInt(req.WasAutomated), req.UpdatedAt, req.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Direction string
	Status    string
	Peer      string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error) {
	query := `SELECT ` + requestCols + ` FROM requests`
	var (
		conds []string
		args  []any
	)
	if f.Direction != "" {
		conds = append(conds, "direction=?")
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Peer != "" {
		conds = append(conds, "peer=?")
		args = append(args, f.Peer)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
