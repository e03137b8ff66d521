package pool

import "math/bits"

// bitmap is a set of node indices in a block.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) set(i int) {
	b[i/64] |= 1 << (i % 64)
}

func (b bitmap) clear(i int) {
	b[i/64] &^= 1 << (i % 64)
}

func (b bitmap) test(i int) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// firstClear returns the first want indices below size which are not set,
// or nil if there are not so many.
func (b bitmap) firstClear(want int, size int) []int {
	found := make([]int, 0, want)
	for i := 0; i < size && len(found) < want; i++ {
		if !b.test(i) {
			found = append(found, i)
		}
	}
	if len(found) < want {
		return nil
	}
	return found
}
