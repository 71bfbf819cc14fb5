/*
Package bitint provides the power-of-2 helpers used to size and index the
fixed-capacity rings on the capture and transform paths.

Design Principles:
- Zero Allocations: All operations use stack memory only
- Predictable Performance: O(1) constant time operations
- Real-Time Safe: No locks, syscalls, or blocking operations

Usage:

	// Ring slot lookup without a division when capacity allows it
	if mask, ok := bitint.Mask(capacity); ok {
		slot = cursor & mask
	}

----------------------------------------------------------------------

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of 2 are preserved:

	input 8: 8-1 = 7 (0111), bits.Len64(7) = 3, 1<<3 = 8
	input 9: 9-1 = 8 (1000), bits.Len64(8) = 4, 1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
// Examples:
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return int(1 << bits.Len64(uint64(size-1)))
}

// IsPowerOfTwo checks if n is a power of 2 using bit manipulation.
// Powers of 2 have exactly one bit set, so n & (n-1) clears it to zero.
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Mask returns capacity-1 and true when capacity is a power of 2, so that
// cursor & mask == cursor % capacity for every uint64 cursor.
func Mask(capacity int) (uint64, bool) {
	if !IsPowerOfTwo(capacity) {
		return 0, false
	}
	return uint64(capacity - 1), true
}
