package engine

import "sync"

// LockTable hands out exclusive logical locks keyed by entity id (request id
// or attribute chain root). Acquire fails fast instead of blocking: a caller
// racing another transition gets CodeConcurrentModification and retries.
type LockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLockTable() *LockTable {
	return &LockTable{held: map[string]bool{}}
}

func (l *LockTable) Acquire(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return newError(CodeConcurrentModification, "concurrent operation in progress on %s", key)
	}
	l.held[key] = true
	return nil
}

func (l *LockTable) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func requestLockKey(id string) string   { return "request:" + id }
func attributeLockKey(id string) string { return "attribute:" + id }
