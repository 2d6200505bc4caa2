// Copyright 2024 The vidcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrack

import (
	"fmt"
	mathbits "math/bits"
	"sync/atomic"

	"github.com/diegolix29/vidcore/pkg/atomicbitops"
	"github.com/diegolix29/vidcore/pkg/bits"
	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/sync"
)

// RegionBits is a fixed-size bitset over one tracked region, one bit per
// page, packed 64 pages to a word.
//
// Shared instances are mutated through the atomic word operations so that
// holders of disjoint BitLock masks within the same word can update their
// bits concurrently. Plain indexing is reserved for unshared instances
// (construction, and the local delta accumulators).
type RegionBits [guestarch.RegionWords]uint64

// Fill sets or clears every bit. It takes no lock and must only be used
// before the bitset is shared.
func (rb *RegionBits) Fill(set bool) {
	word := uint64(0)
	if set {
		word = ^uint64(0)
	}
	for i := range rb {
		rb[i] = word
	}
}

// LoadWord atomically returns the given word.
func (rb *RegionBits) LoadWord(word uint64) uint64 {
	return atomic.LoadUint64(&rb[word])
}

// OrWord atomically sets mask's bits in the given word.
func (rb *RegionBits) OrWord(word, mask uint64) {
	atomicbitops.OrUint64(&rb[word], mask)
}

// AndNotWord atomically clears mask's bits in the given word.
func (rb *RegionBits) AndNotWord(word, mask uint64) {
	atomicbitops.AndUint64(&rb[word], ^mask)
}

// GetPage returns the bit for the given page. It takes no lock; with
// concurrent writers the result is only a hint.
func (rb *RegionBits) GetPage(page uint64) bool {
	return rb.LoadWord(page/guestarch.PagesPerWord)&bits.MaskOf64(int(page%guestarch.PagesPerWord)) != 0
}

// None returns true iff no bit is set.
func (rb *RegionBits) None() bool {
	for _, w := range rb {
		if w != 0 {
			return false
		}
	}
	return true
}

// ForEachSetRun calls fn once per maximal run of consecutive set bits,
// merging runs that cross word boundaries. fn receives the first page of
// the run and the number of pages in it.
func (rb *RegionBits) ForEachSetRun(fn func(page, count uint64)) {
	pendingStart := uint64(0)
	pendingCount := uint64(0)
	for i, w := range rb {
		base := uint64(i) * guestarch.PagesPerWord
		iteratePages(w, func(offset, count uint64) {
			page := base + offset
			if pendingCount != 0 && pendingStart+pendingCount == page {
				pendingCount += count
				return
			}
			if pendingCount != 0 {
				fn(pendingStart, pendingCount)
			}
			pendingStart = page
			pendingCount = count
		})
	}
	if pendingCount != 0 {
		fn(pendingStart, pendingCount)
	}
}

// iteratePages walks runs of consecutive set bits in word, invoking fn with
// the bit offset and length of each run.
func iteratePages(word uint64, fn func(offset, count uint64)) {
	page := uint64(0)
	for word != 0 {
		shift := uint64(mathbits.TrailingZeros64(word))
		page += shift
		word >>= shift
		count := uint64(mathbits.TrailingZeros64(^word))
		fn(page, count)
		page += count
		word >>= count
	}
}

// regionBounds is the word/page decomposition of a byte range within a
// region. endWord and endMask are inclusive of the last touched page.
type regionBounds struct {
	startWord uint64
	endWord   uint64
	startMask uint64
	endMask   uint64
}

// getBounds converts a region-relative byte range into word bounds and page
// masks. The end boundary rounds up, so an access ending mid-page still
// covers that page, while an access ending exactly on a page boundary does
// not cover the following page.
func getBounds(offset, size uint64) regionBounds {
	end := offset + size
	if end > guestarch.RegionSize {
		end = guestarch.RegionSize
	}
	lastByte := end - 1
	startPage := (offset % guestarch.BytesPerWord) / guestarch.PageSize
	endPage := (lastByte % guestarch.BytesPerWord) / guestarch.PageSize
	startMask, endMask := getMasks(startPage, endPage)
	return regionBounds{
		startWord: offset / guestarch.BytesPerWord,
		endWord:   lastByte / guestarch.BytesPerWord,
		startMask: startMask,
		endMask:   endMask,
	}
}

// getMasks returns a pair of masks for the first and last word of a range:
// startMask has all bits from startPage upward set, endMask has all bits up
// to and including endPage set. Callers AND the two together when the range
// lies within a single word.
func getMasks(startPage, endPage uint64) (startMask, endMask uint64) {
	return ^uint64(0) << startPage, bits.FromMask64(0, int(endPage))
}

// iterateWords calls fn once per word touched by b, with the page mask
// applicable to that word. Iteration stops early if fn returns false.
func (b regionBounds) iterateWords(fn func(word uint64, mask uint64) bool) {
	if b.startWord == b.endWord {
		fn(b.startWord, b.startMask&b.endMask)
		return
	}
	if !fn(b.startWord, b.startMask) {
		return
	}
	for w := b.startWord + 1; w < b.endWord; w++ {
		if !fn(w, ^uint64(0)) {
			return
		}
	}
	fn(b.endWord, b.endMask)
}

// BitLock provides per-word mutual exclusion over a region's state words.
// A lock is acquired as a mask of pages, so non-overlapping page ranges in
// the same word contend only on the compare-and-swap, not on each other's
// bits.
type BitLock [guestarch.RegionWords]atomicbitops.Uint64

// Lock acquires the given page bits of the given word, spinning until all
// of them are free. Hold times are a handful of bit operations, so a yield
// loop is sufficient; a stuck lock indicates a bug, not a timeout
// condition.
func (bl *BitLock) Lock(word uint64, mask uint64) {
	for {
		cur := bl[word].Load()
		if cur&mask == 0 && bl[word].CompareAndSwap(cur, cur|mask) {
			return
		}
		sync.Goyield()
	}
}

// Unlock releases the given page bits of the given word. All bits in mask
// must be held.
func (bl *BitLock) Unlock(word uint64, mask uint64) {
	for {
		cur := bl[word].Load()
		if cur&mask != mask {
			panic(fmt.Sprintf("unlocking word %d bits %#x, but only %#x are held", word, mask, cur&mask))
		}
		if bl[word].CompareAndSwap(cur, cur&^mask) {
			return
		}
	}
}
