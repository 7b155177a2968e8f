package natlib

import (
	"math/bits"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
)

const (
	// PortSpace 16位端口/标识符空间大小
	PortSpace = 1 << 16

	wordBits = 64
	numWords = PortSpace / wordBits
)

// PortBitmap 65536位端口占用位图
//
// 每个字通过CAS更新。相邻线程的端口区间可能落在同一个字里，
// 两个线程各自只写自己的位，CAS保证彼此的修改不会丢失。
type PortBitmap struct {
	words [numWords]atomic.Uint64
}

func wordMask(port uint16) (uint32, uint64) {
	return uint32(port) / wordBits, uint64(1) << (port % wordBits)
}

// Test 端口是否已占用
func (b *PortBitmap) Test(port uint16) bool {
	i, mask := wordMask(port)
	return b.words[i].Load()&mask != 0
}

// Set 占用端口，端口已被占用时返回false
func (b *PortBitmap) Set(port uint16) bool {
	i, mask := wordMask(port)
	w := &b.words[i]
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Clear 释放端口，端口本来空闲时返回false
func (b *PortBitmap) Clear(port uint16) bool {
	i, mask := wordMask(port)
	w := &b.words[i]
	for {
		old := w.Load()
		if old&mask == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// FirstClear 在[lo, hi)内从start开始查找第一个空闲端口，到达hi后回绕到lo继续
func (b *PortBitmap) FirstClear(lo, hi, start uint32) (uint16, bool) {
	if hi > PortSpace {
		hi = PortSpace
	}
	if lo >= hi {
		return 0, false
	}
	if start < lo || start >= hi {
		start = lo
	}
	if port, ok := b.nextClear(start, hi); ok {
		return port, true
	}
	return b.nextClear(lo, start)
}

func (b *PortBitmap) nextClear(from, to uint32) (uint16, bool) {
	for i := from; i < to; {
		wi := i / wordBits
		free := ^b.words[wi].Load() >> (i % wordBits)
		if free != 0 {
			port := i + uint32(bits.TrailingZeros64(free))
			if port < to {
				return uint16(port), true
			}
			return 0, false
		}
		i = (wi + 1) * wordBits
	}
	return 0, false
}

// CountRange 统计[lo, hi)内已占用的端口数
func (b *PortBitmap) CountRange(lo, hi uint32) int {
	if hi > PortSpace {
		hi = PortSpace
	}
	n := 0
	for i := lo; i < hi; {
		wi := i / wordBits
		end := (wi + 1) * wordBits
		if end > hi {
			end = hi
		}
		w := b.words[wi].Load() >> (i % wordBits)
		if width := end - i; width < wordBits {
			w &= (uint64(1) << width) - 1
		}
		n += bits.OnesCount64(w)
		i = end
	}
	return n
}

// Snapshot 返回位图的一致性较弱的拷贝，仅用于查看和统计
func (b *PortBitmap) Snapshot() *bitset.BitSet {
	words := make([]uint64, numWords)
	for i := range b.words {
		words[i] = b.words[i].Load()
	}
	return bitset.From(words)
}
