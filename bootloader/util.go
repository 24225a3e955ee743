package bootloader

import (
	"golang.org/x/exp/constraints"
)

// minv will return the minimum of the two values
func minv[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
