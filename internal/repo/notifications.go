package repo

import (
	"context"
	"database/sql"

	"peerlink/internal/domain"
)

const notificationCols = `id,peer,kind,attribute_id,successor_id,status,message_id,created_at,sent_at`

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	err := scan(&n.ID, &n.Peer, &n.Kind, &n.AttributeID, &n.SuccessorID,
		&n.Status, &n.MessageID, &n.CreatedAt, &n.SentAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(`+notificationCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Peer, n.Kind, n.AttributeID, n.SuccessorID, n.Status, n.MessageID, n.CreatedAt, n.SentAt)
	return err
}

func (r Repo) MarkNotificationSentTx(ctx context.Context, tx *sql.Tx, id, messageID, sentAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE notifications SET status=?, message_id=?, sent_at=? WHERE id=?`,
		domain.NotificationSent, messageID, sentAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	Peer   string
	Status string
	Kind   string
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	query := `SELECT ` + notificationCols + ` FROM notifications WHERE 1=1`
	var args []any
	if f.Peer != "" {
		query += ` AND peer=?`
		args = append(args, f.Peer)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// HasSuccessionNotificationTx reports whether a succession notification for
// the given successor already targets the peer, sent or pending. Used to keep
// NotifyPeerAboutOwnIdentityAttributeSuccession idempotent.
func (r Repo) HasSuccessionNotificationTx(ctx context.Context, tx *sql.Tx, peer, successorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE peer=? AND kind=? AND successor_id=? LIMIT 1`,
		peer, domain.NotificationSuccession, successorID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
