package alloc

import "math/bits"

// commitMask is a bitmap with one bit per slice of a segment.
type commitMask struct {
	words []uint64
	n     int
}

func newCommitMask(n int) commitMask {
	return commitMask{words: make([]uint64, (n+63)/64), n: n}
}

func (m *commitMask) get(i int) bool {
	return m.words[i/64]&(1<<(uint(i)%64)) != 0
}

func (m *commitMask) set(idx, n int) {
	for i := idx; i < idx+n; i++ {
		m.words[i/64] |= 1 << (uint(i) % 64)
	}
}

func (m *commitMask) clear(idx, n int) {
	for i := idx; i < idx+n; i++ {
		m.words[i/64] &^= 1 << (uint(i) % 64)
	}
}

func (m *commitMask) setAll() { m.set(0, m.n) }

func (m *commitMask) clearAll() { clear(m.words) }

// allSet reports whether every bit of [idx, idx+n) is set.
func (m *commitMask) allSet(idx, n int) bool {
	for i := idx; i < idx+n; i++ {
		if !m.get(i) {
			return false
		}
	}
	return true
}

// anySet reports whether some bit of [idx, idx+n) is set.
func (m *commitMask) anySet(idx, n int) bool {
	for i := idx; i < idx+n; i++ {
		if m.get(i) {
			return true
		}
	}
	return false
}

func (m *commitMask) isEmpty() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (m *commitMask) count() int {
	c := 0
	for _, w := range m.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// runs calls fn for each maximal run of bits equal to want inside
// [idx, idx+n).
func (m *commitMask) runs(idx, n int, want bool, fn func(idx, n int)) {
	end := idx + n
	for i := idx; i < end; {
		if m.get(i) != want {
			i++
			continue
		}
		j := i + 1
		for j < end && m.get(j) == want {
			j++
		}
		fn(i, j-i)
		i = j
	}
}
