package repo

import (
	"context"
	"database/sql"
	"time"

	"peerlink/internal/config"
)

const configSettingKey = "config"

// GetConfig loads the stored runtime config.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT value_yaml FROM settings WHERE key=?`, configSettingKey)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// UpsertConfig stores the runtime config.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	return r.upsertConfig(ctx, nil, cfg)
}

// UpsertConfigTx stores the runtime config inside an open transaction.
func (r Repo) UpsertConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return r.upsertConfig(ctx, tx, cfg)
}

func (r Repo) upsertConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO settings(key,value_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value_yaml=excluded.value_yaml, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, configSettingKey, string(data), now)
	} else {
		_, err = r.DB.ExecContext(ctx, query, configSettingKey, string(data), now)
	}
	return err
}
