package pool

import (
	"sync/atomic"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateBusy
)

func (s State) String() string {
	if s == StateBusy {
		return "BUSY"
	}
	return "IDLE"
}

// Handle is a container checked out of the Manager. Pooled handles are
// returned to the pool on Release; ephemeral ones are destroyed.
type Handle struct {
	ID         string
	LanguageID string
	Pooled     bool
	WorkDir    string

	state    atomic.Int32
	lastUsed atomic.Int64
}

func newHandle(id, languageID string, pooled bool, workDir string) *Handle {
	h := &Handle{ID: id, LanguageID: languageID, Pooled: pooled, WorkDir: workDir}
	h.state.Store(int32(StateBusy))
	h.touch()
	return h
}

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) LastUsedAt() time.Time { return time.Unix(0, h.lastUsed.Load()) }

// tryAcquire flips an idle handle to busy. Only one caller can win.
func (h *Handle) tryAcquire() bool {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateBusy)) {
		return false
	}
	h.touch()
	return true
}

func (h *Handle) markIdle() {
	h.touch()
	h.state.Store(int32(StateIdle))
}

func (h *Handle) touch() { h.lastUsed.Store(time.Now().UnixNano()) }
