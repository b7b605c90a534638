package segkv

// Hardcoded implementation limits not derived from [Config].
const (
	// maxContextChainDepth bounds how deep one root [Context]'s chain of
	// Nested frames may grow. Exceeding it is fatal and strongly suggests a
	// missed Close.
	maxContextChainDepth = 1 << 16

	// maxLockBits is the bit width of the lock word.
	maxLockBits = 64

	// maxSlotBits is the maximum combined width of keyBits+valueBits in a
	// packed hash slot.
	maxSlotBits = 64

	// readerCountBits is the width of the reader-count field packed into
	// the low 32 bits of the lock word, alongside the update and write
	// holder bits.
	readerCountBits = 30

	// maxReaders is the largest representable concurrent reader count.
	maxReaders = (1 << readerCountBits) - 1

	// waiterCountBits is the width of the fairness/wait counter packed into
	// the high 32 bits of the lock word.
	waiterCountBits = 32

	maxWaiters = (1 << waiterCountBits) - 1
)
