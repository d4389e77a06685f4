// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package bitmap implements the cluster allocation map of a store.
//
// The map holds one bit per cluster, least significant bit first within each
// byte: bit b of byte i describes cluster 8*i+b. A set bit means used. The
// encoded form is the raw byte slice, so a map file is exactly Len()/8 bytes.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrOverlap is returned by Reset when two live ranges claim the same cluster.
var ErrOverlap = errors.New("overlapping ranges")

const hints = 64

// Map is an in-memory cluster bitmap with first-fit run search.
//
// Alongside the bits it keeps a table of search hints: hint[k] is a cluster
// index before which no free run of k or more clusters begins. Requests of
// hints-1 or more clusters share the last slot. The hints only shorten the
// scan; Find returns the same run a full scan from cluster 0 would.
//
// The zero value is an empty map ready for use.
type Map struct {
	bits []byte
	hint [hints]int
}

// Len returns the number of clusters covered by the map. It is always a
// multiple of 8.
func (m *Map) Len() int {
	return len(m.bits) * 8
}

// Used reports whether cluster c is marked used. Clusters outside the map are free.
func (m *Map) Used(c int) bool {
	if c < 0 || c >= m.Len() {
		return false
	}
	return m.bits[c>>3]&(1<<(c&7)) != 0
}

// Count returns the number of used clusters.
func (m *Map) Count() (used int) {
	for _, b := range m.bits {
		used += bits.OnesCount8(b)
	}
	return
}

// AllUsed reports whether every cluster in [c, c+n) is used.
// A range reaching past the end of the map is never all used.
func (m *Map) AllUsed(c, n int) bool {
	if c < 0 || n < 0 || c+n > m.Len() {
		return false
	}
	for i := c; i < c+n; i++ {
		if i&7 == 0 && i+8 <= c+n && m.bits[i>>3] == 0xff {
			i += 7
			continue
		}
		if !m.Used(i) {
			return false
		}
	}
	return true
}

// AllFree reports whether no cluster in [c, c+n) is used.
func (m *Map) AllFree(c, n int) bool {
	end := min(c+n, m.Len())
	for i := max(c, 0); i < end; i++ {
		if i&7 == 0 && i+8 <= end && m.bits[i>>3] == 0 {
			i += 7
			continue
		}
		if m.Used(i) {
			return false
		}
	}
	return true
}

// Tail returns the length of the free run at the end of the map.
func (m *Map) Tail() (n int) {
	i := len(m.bits) - 1
	for ; i >= 0 && m.bits[i] == 0; i-- {
		n += 8
	}
	if i >= 0 {
		n += bits.LeadingZeros8(m.bits[i])
	}
	return
}

// Find returns the first run of n free clusters lying entirely inside the map.
func (m *Map) Find(n int) (c int, ok bool) {
	return m.find(n, m.Len())
}

// FindBefore is Find restricted to runs that begin before cluster limit.
func (m *Map) FindBefore(n, limit int) (c int, ok bool) {
	return m.find(n, min(limit, m.Len()))
}

func (m *Map) find(n, limit int) (c int, ok bool) {
	if n <= 0 {
		panic(fmt.Errorf("bitmap.Find: invalid run length %d", n))
	}

	length := m.Len()
	run := 0
	for i := m.hint[slot(n)]; i < length; {
		if run == 0 && i&7 == 0 && m.bits[i>>3] == 0xff {
			i += 8
			continue
		}
		if m.Used(i) {
			run = 0
			i++
			continue
		}
		if run == 0 {
			if i >= limit {
				return 0, false
			}
			c = i
		}
		run++
		i++
		if run == n {
			m.raise(n, c)
			return c, true
		}
	}

	if limit == length {
		m.raise(n, length-m.Tail())
	}
	return 0, false
}

// Set marks [c, c+n) used, growing the map when the range reaches past its end.
func (m *Map) Set(c, n int) {
	if end := c + n; end > m.Len() {
		m.Grow(end - m.Len())
	}
	for i := c; i < c+n; i++ {
		if i&7 == 0 && i+8 <= c+n {
			m.bits[i>>3] = 0xff
			i += 7
			continue
		}
		m.bits[i>>3] |= 1 << (i & 7)
	}
}

// Clear marks [c, c+n) free. The part of the range outside the map is ignored.
func (m *Map) Clear(c, n int) {
	end := min(c+n, m.Len())
	if c < 0 || c >= end {
		return
	}
	for i := c; i < end; i++ {
		if i&7 == 0 && i+8 <= end {
			m.bits[i>>3] = 0
			i += 7
			continue
		}
		m.bits[i>>3] &^= 1 << (i & 7)
	}

	start := c
	for start > 0 && !m.Used(start-1) {
		start--
	}
	m.lower(start)
}

// Grow appends at least n free clusters, rounded up to a whole byte.
func (m *Map) Grow(n int) {
	if n <= 0 {
		return
	}
	m.lower(m.Len() - m.Tail())
	m.bits = append(m.bits, make([]byte, (n+7)/8)...)
}

// Trim drops trailing bytes that hold no used cluster and returns the new Len.
func (m *Map) Trim() int {
	i := len(m.bits)
	for i > 0 && m.bits[i-1] == 0 {
		i--
	}
	m.bits = m.bits[:i]
	for k := range m.hint {
		m.hint[k] = min(m.hint[k], m.Len())
	}
	return m.Len()
}

// Reset rebuilds the map so that exactly the clusters of the live ranges are
// used. The map keeps at least its current length. On ErrOverlap the map is
// left unchanged.
func (m *Map) Reset(live func(yield func(c, n int) bool)) (err error) {
	next := Map{bits: make([]byte, len(m.bits))}
	for c, n := range live {
		if c < 0 || n < 0 {
			return fmt.Errorf("bitmap.Reset: invalid range [%d,+%d)", c, n)
		}
		if !next.AllFree(c, n) {
			return fmt.Errorf("bitmap.Reset: cluster range [%d,+%d) %w", c, n, ErrOverlap)
		}
		next.Set(c, n)
	}
	m.bits = next.bits
	m.hint = [hints]int{}
	return
}

// Mark captures the state needed to undo one Set.
type Mark struct {
	size int
	hint [hints]int
}

// Mark returns a Mark for the current state.
func (m *Map) Mark() Mark {
	return Mark{size: len(m.bits), hint: m.hint}
}

// Rollback undoes Set(c, n) performed after mark was taken, provided the
// clusters in [c, c+n) were free at that point.
func (m *Map) Rollback(mark Mark, c, n int) {
	end := min(c+n, m.Len())
	for i := c; i < end; i++ {
		m.bits[i>>3] &^= 1 << (i & 7)
	}
	if mark.size < len(m.bits) {
		m.bits = m.bits[:mark.size]
	}
	m.hint = mark.hint
}

// Stats summarizes the free space of the map.
type Stats struct {
	Used        int // used clusters
	Free        int // free clusters inside the map
	FreeRuns    int // maximal free runs, the trailing one included
	LargestFree int // longest free run
}

// Stats walks the map once and reports its occupancy.
func (m *Map) Stats() (s Stats) {
	run := 0
	flush := func() {
		if run > 0 {
			s.FreeRuns++
			s.LargestFree = max(s.LargestFree, run)
		}
		run = 0
	}
	for i := range m.Len() {
		if m.Used(i) {
			s.Used++
			flush()
			continue
		}
		s.Free++
		run++
	}
	flush()
	return
}

// UsedRuns yields every maximal run of used clusters in ascending order.
func (m *Map) UsedRuns(yield func(c, n int) bool) {
	start := -1
	for i := range m.Len() {
		if m.Used(i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if !yield(start, i-start) {
				return
			}
			start = -1
		}
	}
	if start >= 0 {
		yield(start, m.Len()-start)
	}
}

// MarshalBinary returns a copy of the raw bitmap.
func (m *Map) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), m.bits...), nil
}

// UnmarshalBinary replaces the map with data and clears the search hints.
func (m *Map) UnmarshalBinary(data []byte) error {
	m.bits = append(m.bits[:0:0], data...)
	m.hint = [hints]int{}
	return nil
}

// Clone returns an independent copy of the map.
func (m *Map) Clone() *Map {
	return &Map{bits: append([]byte(nil), m.bits...), hint: m.hint}
}

// Equal reports whether both maps mark the same clusters used, ignoring
// trailing free bytes.
func (m *Map) Equal(o *Map) bool {
	a, b := m.bits, o.bits
	for len(a) > 0 && a[len(a)-1] == 0 {
		a = a[:len(a)-1]
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func slot(n int) int {
	return min(n, hints-1)
}

// raise records that no free run of n or more clusters begins before c.
func (m *Map) raise(n, c int) {
	if n >= hints-1 {
		return
	}
	for k := n; k < hints; k++ {
		m.hint[k] = max(m.hint[k], c)
	}
}

// lower records that a free run may now begin at c.
func (m *Map) lower(c int) {
	for k := range m.hint {
		m.hint[k] = min(m.hint[k], c)
	}
}
