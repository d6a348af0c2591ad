// Package engine implements the negotiation core: the request lifecycle
// state machine, the item decision evaluator, the response composer, and the
// attribute succession and sharing engines. Persistence, transport and
// payload validation live behind collaborator interfaces.
package engine

import (
	"database/sql"
	"time"

	"peerlink/internal/config"
	"peerlink/internal/events"
	"peerlink/internal/repo"
	"peerlink/internal/transport"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Messenger transport.Messenger
	Locks     *LockTable
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, messenger transport.Messenger) Engine {
	if messenger == nil {
		messenger = transport.NewOutbox()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Messenger: messenger,
		Locks:     NewLockTable(),
		Now:       time.Now,
	}
}

// events builds the audit writer on the engine's clock so event timestamps
// line up with the state they record.
func (e Engine) events() events.Writer {
	return events.Writer{DB: e.DB, Now: e.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// address returns the local identity address.
func (e Engine) address() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Identity.Address
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
