package segkv

import (
	"context"
	"sync/atomic"
	"time"
)

// lockLevel is the reentrancy ordering a [*Context] climbs through: strictly
// UNLOCKED < READ < UPDATE < WRITE. Go has no notion of "the current OS
// thread" to hang this state off of the way a thread-local would, so segkv
// hangs it off an explicit [Owner] token instead (see package doc).
type lockLevel int32

const (
	levelUnlocked lockLevel = iota
	levelRead
	levelUpdate
	levelWrite
)

// Owner identifies one logical actor that may hold segment locks —
// conventionally one Owner per goroutine, created once and reused across
// every [Segment] that goroutine touches. Owner is segkv's reentrancy key,
// standing in for a thread-local.
type Owner struct {
	id uint64
}

var ownerIDs atomic.Uint64

// NewOwner allocates a fresh Owner token.
func NewOwner() *Owner {
	return &Owner{id: ownerIDs.Add(1)}
}

// Context is one lock session an [Owner] holds against a [Segment]. A root
// Context is created by [Segment.NewContext]; Nested derives child frames
// from it for reentrant call chains.
//
// Every frame in a chain shares the same underlying segment lock: the lock
// word itself has no notion of "nesting", only of the single highest level
// currently held. Child frames exist so a deeply reentrant call path can
// Close its own frame without prematurely releasing a lock an outer frame
// still needs.
//
// The root frame additionally tracks, per level, how many holds frames in
// the chain currently have at exactly that level (totalRead/totalUpdate/
// totalWrite). These totals — not a single shared level field — decide
// whether releasing or downgrading a given frame actually touches the
// segment's lock word: the word itself only ever transitions when the last
// outstanding holder at a level lets go.
type Context struct {
	seg    *Segment
	owner  *Owner
	parent *Context
	depth  int
	closed bool

	// ownLevel is the level this specific frame currently holds, or
	// levelUnlocked if it has never acquired anything (or has already
	// released what it acquired).
	ownLevel lockLevel

	// totalRead, totalUpdate and totalWrite are meaningful only on the root
	// frame (parent == nil); every other frame reaches them through root().
	totalRead   int
	totalUpdate int
	totalWrite  int
}

func (c *Context) root() *Context {
	r := c
	for r.parent != nil {
		r = r.parent
	}

	return r
}

// sharedLevel is the highest level any frame in the chain currently holds,
// derived from the root's per-level totals.
func (r *Context) sharedLevel() lockLevel {
	switch {
	case r.totalWrite > 0:
		return levelWrite
	case r.totalUpdate > 0:
		return levelUpdate
	case r.totalRead > 0:
		return levelRead
	default:
		return levelUnlocked
	}
}

func (r *Context) addTotal(level lockLevel) {
	switch level {
	case levelRead:
		r.totalRead++
	case levelUpdate:
		r.totalUpdate++
	case levelWrite:
		r.totalWrite++
	case levelUnlocked:
	}
}

// releaseRead, releaseUpdate and releaseWrite each drop one outstanding hold
// at their level from the root's totals, and — only once that total reaches
// zero — perform the one real transition the lock word still needs. Which
// transition that is depends on what's still outstanding at the other
// levels, which is exactly the table a reentrant reader/updater/writer lock
// needs to stay correct under arbitrary nesting.
func (r *Context) releaseRead() {
	if r.totalRead == 0 {
		fatalf(ErrLockUnderflow)
	}

	r.totalRead--

	if r.totalRead == 0 && r.totalUpdate == 0 && r.totalWrite == 0 {
		r.seg.lock.readUnlock()
	}
}

func (r *Context) releaseUpdate() {
	if r.totalUpdate == 0 {
		fatalf(ErrLockUnderflow)
	}

	r.totalUpdate--

	if r.totalUpdate == 0 && r.totalWrite == 0 {
		if r.totalRead > 0 {
			r.seg.lock.downgradeUpdateToRead()
		} else {
			r.seg.lock.updateUnlock()
		}
	}
}

func (r *Context) releaseWrite() {
	if r.totalWrite == 0 {
		fatalf(ErrLockUnderflow)
	}

	r.totalWrite--

	if r.totalWrite == 0 {
		switch {
		case r.totalUpdate > 0:
			r.seg.lock.downgradeWriteToUpdate()
		case r.totalRead > 0:
			r.seg.lock.downgradeWriteToRead()
		default:
			r.seg.lock.writeUnlock()
		}
	}
}

// Nested derives a child Context sharing c's Owner and Segment. A nested
// frame starts out holding nothing itself (ownLevel is unlocked) even
// though the chain as a whole may already hold a lock; it only becomes a
// genuine holder once it calls Read/Update/Write on itself. Closing a
// nested Context releases only the hold that frame acquired itself; a lock
// an outer frame holds stays held until that frame releases it.
func (c *Context) Nested() (*Context, error) {
	if c.closed {
		return nil, ErrClosed
	}

	if c.depth+1 >= maxContextChainDepth {
		fatalf(ErrNestedContextExhausted)
	}

	return &Context{
		seg:    c.seg,
		owner:  c.owner,
		parent: c,
		depth:  c.depth + 1,
	}, nil
}

// checkOwner returns [ErrConcurrentAccess] if owner did not create c's
// chain.
func (c *Context) checkOwner(owner *Owner) error {
	if owner != c.owner {
		return ErrConcurrentAccess
	}

	return nil
}

func (c *Context) deadline() time.Time {
	if c.seg.cfg.LockTimeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(c.seg.cfg.LockTimeout)
}

// Read acquires at least a read lock, blocking until acquired, goCtx is
// canceled ([ErrInterrupted]), or the segment's LockTimeout elapses
// ([ErrLockTimeout]). A Context already holding read, update or write is a
// no-op against the lock word, but still records this frame as a holder so
// its own Release call is required before the chain can drop.
func (c *Context) Read(goCtx context.Context) error { return c.acquire(goCtx, levelRead) }

// Update acquires at least the update lock. Calling Update while only a
// read lock is held returns [ErrIllegalUpgrade]: the only path from READ to
// UPDATE is Release then re-acquire.
func (c *Context) Update(goCtx context.Context) error { return c.acquire(goCtx, levelUpdate) }

// Write acquires the write lock, upgrading in place from UPDATE if already
// held. Calling Write while only a read lock is held returns
// [ErrIllegalUpgrade].
func (c *Context) Write(goCtx context.Context) error { return c.acquire(goCtx, levelWrite) }

func (c *Context) acquire(goCtx context.Context, want lockLevel) error {
	if c.closed {
		return ErrClosed
	}

	r := c.root()
	cur := r.sharedLevel()

	switch {
	case cur == levelRead && want > levelRead:
		// READ -> UPDATE, READ -> WRITE: not a supported upgrade path.
		return ErrIllegalUpgrade
	case cur == levelUnlocked:
		if err := c.acquireFromUnlocked(goCtx, want); err != nil {
			return err
		}
	case cur == levelUpdate && want == levelWrite:
		if err := c.upgradeToWrite(goCtx); err != nil {
			return err
		}
	}
	// Any other case (cur >= want already) needs no lock-word action: some
	// frame in this chain already holds at least `want`, and this frame is
	// simply recorded as an additional holder.

	r.addTotal(want)
	c.ownLevel = want

	return nil
}

func (c *Context) acquireFromUnlocked(goCtx context.Context, want lockLevel) error {
	deadline := c.deadline()

	for {
		var ok bool

		switch want {
		case levelRead:
			_, ok = c.seg.lock.tryReadLock()
		case levelUpdate:
			ok = c.seg.lock.tryUpdateLock()
		case levelWrite:
			ok = c.seg.lock.tryWriteLock()
		case levelUnlocked:
			return nil
		}

		if ok {
			return nil
		}

		if err := c.seg.lock.park(goCtx, c.seg.lock.load(), deadline); err != nil {
			return err
		}
	}
}

func (c *Context) upgradeToWrite(goCtx context.Context) error {
	deadline := c.deadline()

	for {
		if c.seg.lock.tryUpgradeToWrite() {
			return nil
		}

		if err := c.seg.lock.park(goCtx, c.seg.lock.load(), deadline); err != nil {
			return err
		}
	}
}

// DowngradeToUpdate drops this frame's own write hold back to update. A
// no-op if this frame isn't the one holding write.
func (c *Context) DowngradeToUpdate() error {
	if c.closed {
		return ErrClosed
	}

	if c.ownLevel != levelWrite {
		return nil
	}

	r := c.root()
	r.addTotal(levelUpdate)
	r.releaseWrite()
	c.ownLevel = levelUpdate

	return nil
}

// DowngradeToRead drops this frame's own update or write hold back to read.
// A no-op if this frame isn't the one holding update or write.
func (c *Context) DowngradeToRead() error {
	if c.closed {
		return ErrClosed
	}

	r := c.root()

	switch c.ownLevel {
	case levelWrite:
		r.addTotal(levelRead)
		r.releaseWrite()
	case levelUpdate:
		r.addTotal(levelRead)
		r.releaseUpdate()
	default:
		return nil
	}

	c.ownLevel = levelRead

	return nil
}

// Release drops this frame's own hold on the lock. If other frames in the
// chain still hold at this frame's level (directly, or via a higher level),
// the lock word itself is untouched — only this frame's own contribution is
// forgotten. The lock word transitions (downgrades, or fully unlocks) only
// once the frame releasing is the last one holding at that level. Calling
// Release on a frame that holds nothing is a no-op, so the common
// open-Context-but-never-lock-it-directly pattern (everything happens
// through [Segment]'s per-call helpers) can always defer Close safely.
func (c *Context) Release() error {
	if c.closed {
		return ErrClosed
	}

	if c.ownLevel == levelUnlocked {
		return nil
	}

	r := c.root()

	switch c.ownLevel {
	case levelRead:
		r.releaseRead()
	case levelUpdate:
		r.releaseUpdate()
	case levelWrite:
		r.releaseWrite()
	}

	c.ownLevel = levelUnlocked

	return nil
}

// Close releases this frame's own hold (if any) and, for a root frame,
// forgets this Owner so a future [Segment.NewContext] call for it succeeds
// again. Closing a nested frame releases only what that frame acquired
// itself: the lock word transitions only if no other frame in the chain
// still holds at that level, so holds of the rest of the chain are left
// for it to manage.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}

	err := c.Release()
	c.closed = true

	if c.parent != nil {
		return err
	}

	c.seg.mu.Lock()
	delete(c.seg.openRoots, c.owner.id)
	c.seg.mu.Unlock()

	return err
}
