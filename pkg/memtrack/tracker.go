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
	"github.com/google/btree"

	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/sync"
)

// trackerDegree is the btree degree for the region index. The index is
// small (one entry per touched 16 MiB region), so a low degree keeps nodes
// compact.
const trackerDegree = 8

// Tracker is the consumer-facing aggregation over per-region managers. It
// lazily creates one RegionManager per 16 MiB region as guest ranges are
// first tracked, and splits caller ranges across region boundaries.
//
// The buffer cache drives the CPU plane (upload ranges), the texture and
// download paths drive the GPU plane.
type Tracker struct {
	pm *PageManager

	// mu guards regions. Lookups take it briefly; per-page state is
	// protected by the regions' own bit locks.
	mu      sync.Mutex
	regions *btree.BTreeG[*RegionManager]
}

// NewTracker returns an empty Tracker backed by pm.
func NewTracker(pm *PageManager) *Tracker {
	return &Tracker{
		pm: pm,
		regions: btree.NewG(trackerDegree, func(a, b *RegionManager) bool {
			return a.base < b.base
		}),
	}
}

// region returns the manager for the region containing addr, creating it
// on first use.
func (t *Tracker) region(addr guestarch.Addr) *RegionManager {
	base := addr.RegionRoundDown()
	t.mu.Lock()
	defer t.mu.Unlock()
	if rm, ok := t.regions.Get(&RegionManager{base: base}); ok {
		return rm
	}
	rm := NewRegionManager(t.pm, base)
	t.regions.ReplaceOrInsert(rm)
	return rm
}

// forEachRegion splits [addr, addr+size) across region boundaries and
// calls fn once per touched region with the region-relative offset and the
// chunk size within it.
func (t *Tracker) forEachRegion(addr guestarch.Addr, size uint64, fn func(rm *RegionManager, offset, size uint64)) {
	for size > 0 {
		offset := addr.RegionOffset()
		chunk := guestarch.RegionSize - offset
		if chunk > size {
			chunk = size
		}
		fn(t.region(addr), offset, chunk)
		addr += guestarch.Addr(chunk)
		size -= chunk
	}
}

// MarkRegionAsCPUModified marks [addr, addr+size) as written by the CPU.
// This is the invalidation path taken when a write fault is handled.
func (t *Tracker) MarkRegionAsCPUModified(addr guestarch.Addr, size uint64) {
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		rm.ChangeRegionState(CPU, true, offset, chunk)
	})
}

// UnmarkRegionAsCPUModified clears CPU-dirty state for [addr, addr+size)
// without visiting the dirty ranges. Write-through paths that have already
// consumed the data use this.
func (t *Tracker) UnmarkRegionAsCPUModified(addr guestarch.Addr, size uint64) {
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		rm.ChangeRegionState(CPU, false, offset, chunk)
	})
}

// MarkRegionAsGPUModified marks [addr, addr+size) as written by the GPU,
// arming read traps so CPU reads force a readback.
func (t *Tracker) MarkRegionAsGPUModified(addr guestarch.Addr, size uint64) {
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		rm.ChangeRegionState(GPU, true, offset, chunk)
	})
}

// IsRegionCPUModified returns whether any page of [addr, addr+size) is
// CPU-dirty.
func (t *Tracker) IsRegionCPUModified(addr guestarch.Addr, size uint64) bool {
	modified := false
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		if !modified && rm.IsRegionModified(CPU, offset, chunk) {
			modified = true
		}
	})
	return modified
}

// IsRegionGPUModified returns whether any page of [addr, addr+size) is
// GPU-dirty.
func (t *Tracker) IsRegionGPUModified(addr guestarch.Addr, size uint64) bool {
	modified := false
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		if !modified && rm.IsRegionModified(GPU, offset, chunk) {
			modified = true
		}
	})
	return modified
}

// ForEachUploadRange visits every CPU-dirty range in [addr, addr+size) and
// marks it clean, re-arming write traps. The callback receives the
// absolute guest address and byte length of each maximal dirty run. This is
// the "give me everything I must copy to the GPU" step of a buffer sync.
func (t *Tracker) ForEachUploadRange(addr guestarch.Addr, size uint64, fn func(addr guestarch.Addr, size uint64)) {
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		rm.ForEachModifiedRange(CPU, true, offset, chunk, fn)
	})
}

// ForEachDownloadRange visits every GPU-dirty range in [addr, addr+size).
// If clear is true the visited state is reset and read traps disarmed.
func (t *Tracker) ForEachDownloadRange(addr guestarch.Addr, size uint64, clear bool, fn func(addr guestarch.Addr, size uint64)) {
	t.forEachRegion(addr, size, func(rm *RegionManager, offset, chunk uint64) {
		rm.ForEachModifiedRange(GPU, clear, offset, chunk, fn)
	})
}

// RegionCount returns the number of lazily-instantiated regions. It is
// intended for tests and diagnostics.
func (t *Tracker) RegionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regions.Len()
}
