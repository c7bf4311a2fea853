// Package eventloop provides the mutex that serializes FileInfo state
// transitions under the system's cooperative event-loop model: FileInfo
// and its ChunkMap are mutated with this lock held (the guess package's
// queries and RPC table use their own mutexes), and actions that must
// run only after the current handler has
// finished touching shared state (broadcasting completion, closing a
// connection) are queued with Defer and flushed on Unlock.
package eventloop

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	xsync "github.com/anacrolix/sync"
)

// Lock wraps a mutex and runs deferred actions on Unlock. It is the
// concrete realization of the spec's "single-threaded cooperative event
// loop with a callout queue": callers never observe concurrent mutation of
// the state it guards, and code that needs to act "once we're done
// handling this event" uses Defer instead of spawning a goroutine.
type Lock struct {
	internal      xsync.RWMutex
	unlockActions []func()
	uniqueActions map[any]struct{}
	allowDefers   bool
	debug         *lockDebugState
}

func (me *Lock) Lock() {
	me.internal.Lock()
	panicif.True(me.allowDefers)
	me.allowDefers = true
	me.debugOnLock()
}

func (me *Lock) Unlock() {
	panicif.False(me.allowDefers)
	me.debugOnUnlock()
	me.allowDefers = false
	me.runUnlockActions()
	me.internal.Unlock()
}

func (me *Lock) RLock() {
	me.internal.RLock()
}

func (me *Lock) RUnlock() {
	me.internal.RUnlock()
}

// Defer schedules an action to run when the lock is unlocked.
func (me *Lock) Defer(action func()) {
	me.deferInner(action)
}

func (me *Lock) deferInner(action func()) {
	panicif.False(me.allowDefers)
	me.unlockActions = append(me.unlockActions, action)
}

func (me *Lock) deferOnceInner(key any, action func()) {
	panicif.False(me.allowDefers)
	g.MakeMapIfNil(&me.uniqueActions)
	if g.MapContains(me.uniqueActions, key) {
		return
	}
	me.uniqueActions[key] = struct{}{}
	me.deferInner(action)
}

// DeferUniqueUnaryFunc guards against duplicate scheduling of the same unary method.
// Used for things like "flush this FileInfo's trailer once, however many
// chunks were written during this callout".
func (me *Lock) DeferUniqueUnaryFunc(arg any, action func()) {
	me.deferOnceInner(unaryFuncKey(action, arg), action)
}

func unaryFuncKey(f func(), key any) funcAndArgKey {
	return funcAndArgKey{funcStr: reflect.ValueOf(f).String(), key: key}
}

type funcAndArgKey struct {
	funcStr string
	key     any
}

func (me *Lock) runUnlockActions() {
	startLen := len(me.unlockActions)
	for i := 0; i < len(me.unlockActions); i++ {
		me.unlockActions[i]()
	}
	if startLen != len(me.unlockActions) {
		panic(fmt.Sprintf("num deferred changed while running: %v -> %v", startLen, len(me.unlockActions)))
	}
	me.unlockActions = me.unlockActions[:0]
	me.uniqueActions = nil
}

// FlushDeferred executes pending actions while still holding the lock.
func (me *Lock) FlushDeferred() {
	panicif.False(me.allowDefers)
	me.runUnlockActions()
}

// BypassLock and BypassUnlock acquire/release the underlying mutex without
// the deferred-action bookkeeping. A goroutine that needs to hold the lock
// across a blocking network call (and so cannot be the one flushing
// deferred actions meant for the event loop) uses these instead of
// Lock/Unlock.
func (me *Lock) BypassLock() {
	me.internal.Lock()
	panicif.True(me.allowDefers)
	me.allowDefers = true
	me.debugOnLock()
}

func (me *Lock) BypassUnlock() {
	panicif.False(me.allowDefers)
	me.debugOnUnlock()
	me.allowDefers = false
	me.internal.Unlock()
}

// BypassLocker yields a sync.Locker that uses BypassLock/BypassUnlock, for
// handing to a condition variable that must not trigger deferred actions
// every time it parks a waiter.
type BypassLocker struct {
	mu *Lock
}

func (sl *BypassLocker) Lock() {
	sl.mu.BypassLock()
}

func (sl *BypassLocker) Unlock() {
	sl.mu.BypassUnlock()
}

func (me *Lock) GetBypassLocker() sync.Locker {
	return &BypassLocker{mu: me}
}

// EnableDebug turns on ownership checks and optional stack capture for diagnostics.
func (me *Lock) EnableDebug(name string, captureStacks bool) {
	if name == "" && !captureStacks {
		me.debug = nil
		return
	}
	me.debug = &lockDebugState{
		name:          name,
		captureStacks: captureStacks,
	}
}

func (me *Lock) debugOnLock() {
	if me.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if me.debug.owner == gid {
		me.debug.depth++
		return
	}
	if me.debug.owner != 0 {
		panic(fmt.Sprintf("lock %s already owned by goroutine %d (attempt %d)\nprevious lock stack:\n%s",
			me.debug.name,
			me.debug.owner,
			gid,
			strings.TrimSpace(string(me.debug.lastStack)),
		))
	}
	me.debug.owner = gid
	me.debug.depth = 1
	if me.debug.captureStacks {
		me.debug.lastStack = captureStack()
	}
}

func (me *Lock) debugOnUnlock() {
	if me.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if me.debug.owner != gid {
		panic(fmt.Sprintf("unlock of %s by goroutine %d (owner %d)\nowner stack:\n%s",
			me.debug.name,
			gid,
			me.debug.owner,
			strings.TrimSpace(string(me.debug.lastStack)),
		))
	}
	me.debug.depth--
	if me.debug.depth == 0 {
		me.debug.owner = 0
		if me.debug.captureStacks {
			me.debug.lastStack = nil
		}
	}
}

type lockDebugState struct {
	name          string
	owner         int64
	depth         int
	captureStacks bool
	lastStack     []byte
}

func captureStack() []byte {
	buf := make([]byte, 2048)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

// DebugInfo returns a human-readable string describing the current lock holder.
// Safe to call concurrently (reads are racy but acceptable for diagnostics).
// Returns empty string if debug is not enabled or lock is not held.
func (me *Lock) DebugInfo() string {
	d := me.debug
	if d == nil {
		return "debug not enabled (call EnableDebug)"
	}
	owner := d.owner
	if owner == 0 {
		return "lock not held"
	}
	stack := string(d.lastStack)
	if stack == "" {
		return fmt.Sprintf("lock %q held by goroutine %d (no stack captured, call EnableDebug with captureStacks)", d.name, owner)
	}
	return fmt.Sprintf("lock %q held by goroutine %d\n%s", d.name, owner, stack)
}

func currentGoroutineID() int64 {
	const prefix = "goroutine "
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), prefix)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}
