package segkv

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Lock word layout: a single 64-bit word, shared by every process mapping
// the segment, packed as:
//
//	bits [0, 30)  reader count
//	bit  30       update holder flag
//	bit  31       write holder flag
//	bits [32, 64) waiter count (fairness / park-wake bookkeeping)
//
// The low 32 bits alone (reader count + update flag + write flag) are what
// unlocked/locked state means; segkv futexes on exactly those 32 bits, so
// a CAS that only changes the waiter count never needs to wake anyone, and
// a CAS that changes lock state always can.
const (
	lockReaderMask  = uint64(1)<<readerCountBits - 1
	lockUpdateBit   = uint64(1) << readerCountBits
	lockWriteBit    = lockUpdateBit << 1
	lockStateMask   = lockReaderMask | lockUpdateBit | lockWriteBit
	lockWaiterShift = 32
	lockWaiterOne   = uint64(1) << lockWaiterShift
	lockWaiterMask  = uint64(maxWaiters) << lockWaiterShift
)

func lockReaders(word uint64) uint32   { return uint32(word & lockReaderMask) }
func lockHasUpdate(word uint64) bool   { return word&lockUpdateBit != 0 }
func lockHasWrite(word uint64) bool    { return word&lockWriteBit != 0 }
func lockWaiters(word uint64) uint32   { return uint32(word >> lockWaiterShift) }

// lockWord is a view over the 8-byte atomic lock word embedded at
// offLockWord in a segment header.
type lockWord struct {
	word *atomic.Uint64
}

func newLockWord(header []byte) lockWord {
	return lockWord{word: (*atomic.Uint64)(unsafe.Pointer(&header[offLockWord]))}
}

// futexAddr returns the address of the low 32 bits of the lock word, the
// part that encodes lock state. Valid on little-endian architectures only;
// segkv targets amd64/arm64, both little-endian, same as the teacher's mmap
// usage.
func (l lockWord) futexAddr() *int32 {
	return (*int32)(unsafe.Pointer(l.word))
}

func (l lockWord) load() uint64 { return l.word.Load() }

func (l lockWord) cas(old, next uint64) bool { return l.word.CompareAndSwap(old, next) }

// wake wakes every waiter parked on this lock word's state bits, if any
// are recorded. Called after any transition that a waiter might be blocked
// on (read/update/write unlock, any downgrade).
func (l lockWord) wake() {
	if lockWaiters(l.load()) == 0 {
		return
	}

	_, _ = unix.FutexWake(l.futexAddr(), 1<<30)
}

// park registers this goroutine as a waiter, then blocks until the lock
// word's low 32 bits stop matching `expect`, ctx is canceled, or deadline
// elapses (whichever first). Returns nil when the word changed or a wake-up
// arrived, ErrInterrupted when ctx was canceled, and ErrLockTimeout when the
// deadline elapsed.
func (l lockWord) park(ctx context.Context, expect uint64, deadline time.Time) error {
	for {
		old := l.load()
		if uint32(old) != uint32(expect) {
			return nil
		}

		if !l.cas(old, old+lockWaiterOne) {
			continue
		}

		break
	}

	defer func() {
		for {
			old := l.load()
			if lockWaiters(old) == 0 {
				fatalf(ErrLockUnderflow)
			}

			if l.cas(old, old-lockWaiterOne) {
				return
			}
		}
	}()

	var timeout *unix.Timespec

	if d := time.Until(deadline); deadline.IsZero() {
		timeout = nil
	} else if d <= 0 {
		return ErrLockTimeout
	} else {
		ts := unix.NsecToTimespec(d.Nanoseconds())
		timeout = &ts
	}

	select {
	case <-ctx.Done():
		return ErrInterrupted
	default:
	}

	err := unix.FutexWait(l.futexAddr(), int32(uint32(expect)), timeout)
	if errors.Is(err, unix.ETIMEDOUT) {
		return ErrLockTimeout
	}

	return nil
}

// tryReadLock attempts to add one reader, failing only when a writer holds
// the lock. Never blocks.
func (l lockWord) tryReadLock() (word uint64, ok bool) {
	for {
		old := l.load()
		if lockHasWrite(old) {
			return old, false
		}

		if lockReaders(old) == maxReaders {
			fatalf(ErrInvalidInput)
		}

		next := old + 1
		if l.cas(old, next) {
			return next, true
		}
	}
}

// tryUpdateLock attempts to set the update-holder bit, failing when a
// writer or a different update-holder is already present. Never blocks.
func (l lockWord) tryUpdateLock() (ok bool) {
	for {
		old := l.load()
		if lockHasUpdate(old) || lockHasWrite(old) {
			return false
		}

		if l.cas(old, old|lockUpdateBit) {
			return true
		}
	}
}

// tryWriteLock attempts to set the write-holder bit directly (no prior
// update hold), failing when any reader, updater or writer is present. The
// update bit is set alongside it, so a write hold always carries the update
// bit, the same as one reached through tryUpgradeToWrite.
func (l lockWord) tryWriteLock() (ok bool) {
	for {
		old := l.load()
		if lockReaders(old) != 0 || lockHasUpdate(old) || lockHasWrite(old) {
			return false
		}

		if l.cas(old, old|lockWriteBit|lockUpdateBit) {
			return true
		}
	}
}

// tryUpgradeToWrite attempts to set the write-holder bit on a word this
// goroutine already holds the update bit on, failing only while readers
// remain. The update bit stays set: WRITE implies UPDATE in segkv's
// reentrancy ordering (UNLOCKED < READ < UPDATE < WRITE).
func (l lockWord) tryUpgradeToWrite() (ok bool) {
	for {
		old := l.load()
		if lockReaders(old) != 0 {
			return false
		}

		if l.cas(old, old|lockWriteBit) {
			return true
		}
	}
}

func (l lockWord) readUnlock() {
	for {
		old := l.load()
		if lockReaders(old) == 0 {
			fatalf(ErrLockUnderflow)
		}

		if l.cas(old, old-1) {
			break
		}
	}

	l.wake()
}

func (l lockWord) updateUnlock() {
	for {
		old := l.load()
		if !lockHasUpdate(old) {
			fatalf(ErrLockUnderflow)
		}

		if l.cas(old, old&^lockUpdateBit) {
			break
		}
	}

	l.wake()
}

func (l lockWord) writeUnlock() {
	for {
		old := l.load()
		if !lockHasWrite(old) {
			fatalf(ErrLockUnderflow)
		}

		if l.cas(old, old&^(lockWriteBit|lockUpdateBit)) {
			break
		}
	}

	l.wake()
}

// downgradeWriteToUpdate clears the write-holder bit, leaving the update
// bit this goroutine still holds in place.
func (l lockWord) downgradeWriteToUpdate() {
	for {
		old := l.load()

		if l.cas(old, old&^lockWriteBit) {
			break
		}
	}

	l.wake()
}

// downgradeUpdateToRead clears the update bit and adds one reader,
// atomically: a concurrent writer must never observe a window where
// neither bit is held alongside zero readers if this goroutine still
// intends to hold a read view.
func (l lockWord) downgradeUpdateToRead() {
	for {
		old := l.load()
		next := (old &^ lockUpdateBit) + 1

		if l.cas(old, next) {
			break
		}
	}

	l.wake()
}

// downgradeWriteToRead clears the write bit and the update bit that goes
// with it, and adds one reader, atomically.
func (l lockWord) downgradeWriteToRead() {
	for {
		old := l.load()
		next := (old &^ (lockWriteBit | lockUpdateBit)) + 1

		if l.cas(old, next) {
			break
		}
	}

	l.wake()
}
