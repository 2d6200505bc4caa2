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
	"github.com/diegolix29/vidcore/pkg/guestarch"
)

// RegionManager tracks the modification state of one 16 MiB region of guest
// address space.
//
// Four planes are kept per region. cpu and gpu record logical modification
// since the last synchronization in the respective direction. writeable and
// readable record the protection currently applied as a consequence: a set
// writeable bit means the guest CPU may write the page without trapping
// (the page is already known dirty), and a set readable bit means the guest
// CPU may read it without trapping (the GPU has no pending writes). Keeping
// the applied protection separate from the logical state means repeated
// state changes on the same pages produce no redundant protection calls;
// only actual transitions are forwarded to the PageManager.
//
// A new region assumes everything is CPU-dirty and fully accessible: cpu,
// writeable and readable are born all-set, gpu all-clear.
type RegionManager struct {
	tracker *PageManager
	base    guestarch.Addr

	cpu       RegionBits
	gpu       RegionBits
	writeable RegionBits
	readable  RegionBits

	lock BitLock
}

// NewRegionManager returns a RegionManager tracking the region based at
// base, which must be region-aligned.
func NewRegionManager(tracker *PageManager, base guestarch.Addr) *RegionManager {
	if base.RegionOffset() != 0 {
		panic("region base is not region-aligned")
	}
	rm := &RegionManager{
		tracker: tracker,
		base:    base,
	}
	rm.cpu.Fill(true)
	rm.writeable.Fill(true)
	rm.readable.Fill(true)
	return rm
}

// Base returns the guest address of the start of the region.
func (rm *RegionManager) Base() guestarch.Addr {
	return rm.base
}

func (rm *RegionManager) plane(kind Kind) *RegionBits {
	if kind == CPU {
		return &rm.cpu
	}
	return &rm.gpu
}

// updateProtection recomputes the applied-protection bits covered by mask
// for the given plane and word index, accumulating watcher transitions into
// add (pages that lost access and need a watcher) and remove (pages that
// regained access). The caller must hold the word's bit lock for mask; bits
// outside mask may be mutated concurrently by other lock holders and are
// left untouched.
func (rm *RegionManager) updateProtection(kind Kind, word, mask uint64, add, remove *RegionBits) {
	var prot *RegionBits
	var newProt uint64
	if kind == CPU {
		// The CPU may write freely to pages it has already dirtied; clean
		// pages trap so the next write is observed.
		prot = &rm.writeable
		newProt = rm.cpu.LoadWord(word)
	} else {
		// The CPU may read freely from pages the GPU has not written;
		// GPU-dirty pages trap so reads force a readback first.
		prot = &rm.readable
		newProt = ^rm.gpu.LoadWord(word)
	}
	newProt &= mask
	delta := (prot.LoadWord(word) & mask) ^ newProt
	if delta == 0 {
		return
	}
	prot.OrWord(word, delta&newProt)
	prot.AndNotWord(word, delta&^newProt)
	add[word] |= delta &^ newProt
	remove[word] |= delta & newProt
}

// forwardProtection pushes accumulated watcher transitions to the page
// tracker. It must be called with no bit locks held: the tracker issues
// protection syscalls.
func (rm *RegionManager) forwardProtection(kind Kind, add, remove *RegionBits) {
	isRead := kind == GPU
	if !add.None() || !remove.None() {
		rm.tracker.updateWatchersForRegion(rm.base, isRead, add, remove)
	}
}

// ChangeRegionState sets (enable=true) or clears (enable=false) the given
// plane's bits for the pages covering [offset, offset+size), where offset
// is relative to the region base. Partial pages round outward to whole
// pages. Protection transitions are batched across the whole range and
// forwarded once.
func (rm *RegionManager) ChangeRegionState(kind Kind, enable bool, offset, size uint64) {
	if size == 0 {
		return
	}
	state := rm.plane(kind)
	var add, remove RegionBits
	getBounds(offset, size).iterateWords(func(word, mask uint64) bool {
		rm.lock.Lock(word, mask)
		if enable {
			state.OrWord(word, mask)
		} else {
			state.AndNotWord(word, mask)
		}
		rm.updateProtection(kind, word, mask, &add, &remove)
		rm.lock.Unlock(word, mask)
		return true
	})
	rm.forwardProtection(kind, &add, &remove)
}

// ForEachModifiedRange finds maximal contiguous runs of modified pages in
// the given plane within [offset, offset+size) and invokes fn once per run
// with the absolute guest address and byte length. Runs are merged across
// word boundaries. If clear is true the visited bits are cleared and the
// resulting protection transitions forwarded, as in ChangeRegionState.
func (rm *RegionManager) ForEachModifiedRange(kind Kind, clear bool, offset, size uint64, fn func(addr guestarch.Addr, size uint64)) {
	if size == 0 {
		return
	}
	state := rm.plane(kind)
	var add, remove RegionBits
	pendingStart := uint64(0)
	pendingCount := uint64(0)
	flush := func() {
		if pendingCount != 0 {
			fn(rm.base+guestarch.Addr(pendingStart*guestarch.PageSize), pendingCount*guestarch.PageSize)
			pendingCount = 0
		}
	}
	getBounds(offset, size).iterateWords(func(word, mask uint64) bool {
		rm.lock.Lock(word, mask)
		modified := state.LoadWord(word) & mask
		if clear && modified != 0 {
			state.AndNotWord(word, modified)
			rm.updateProtection(kind, word, mask, &add, &remove)
		}
		rm.lock.Unlock(word, mask)
		base := word * guestarch.PagesPerWord
		iteratePages(modified, func(pageOffset, count uint64) {
			page := base + pageOffset
			// Merge runs split only by a word boundary.
			if pendingCount != 0 && pendingStart+pendingCount == page {
				pendingCount += count
				return
			}
			flush()
			pendingStart = page
			pendingCount = count
		})
		return true
	})
	flush()
	if clear {
		rm.forwardProtection(kind, &add, &remove)
	}
}

// IsRegionModified returns whether any page covering [offset, offset+size)
// is modified in the given plane. It takes no locks; with concurrent
// writers the answer is a hint suitable for deciding whether to schedule a
// sync, not a gate for data already being copied.
func (rm *RegionManager) IsRegionModified(kind Kind, offset, size uint64) bool {
	if size == 0 {
		return false
	}
	state := rm.plane(kind)
	modified := false
	getBounds(offset, size).iterateWords(func(word, mask uint64) bool {
		if state.LoadWord(word)&mask != 0 {
			modified = true
			return false
		}
		return true
	})
	return modified
}
