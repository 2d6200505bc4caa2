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

	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/memutil"
	"github.com/diegolix29/vidcore/pkg/sync"
)

// PageManagerOpts configures a PageManager.
type PageManagerOpts struct {
	// AddressSpaceBits is the width of the tracked guest address space.
	// Zero means guestarch.AddressSpaceBits. Tests use smaller spans.
	AddressSpaceBits uint
}

// PageManager bridges logical per-page watcher counts and actual host
// protection. It is the single source of truth for whether a guest page is
// currently trapped for reads and/or writes.
//
// The per-page state table spans the whole guest address space up front as
// a lazily-committed anonymous mapping; there is no dynamic resizing.
type PageManager struct {
	rasterizer Rasterizer
	backend    Backend

	// mu serializes watcher count updates. Hold times are short (a scan of
	// a byte table); protection syscalls happen outside the lock.
	mu sync.Mutex

	// pages holds one PageState per guest page.
	pages []byte
}

// NewPageManager returns a started PageManager that applies protection
// through backend and reports faults to rasterizer. The rasterizer is fixed
// for the manager's lifetime; the fault path reads it without locking.
func NewPageManager(rasterizer Rasterizer, backend Backend, opts PageManagerOpts) (*PageManager, error) {
	bits := opts.AddressSpaceBits
	if bits == 0 {
		bits = guestarch.AddressSpaceBits
	}
	table, err := memutil.MapAnon(uintptr(uint64(1) << (bits - guestarch.PageShift)))
	if err != nil {
		return nil, fmt.Errorf("allocating page state table: %w", err)
	}
	pm := &PageManager{
		rasterizer: rasterizer,
		backend:    backend,
		pages:      table,
	}
	if err := backend.Start(pm); err != nil {
		memutil.UnmapSlice(table)
		return nil, fmt.Errorf("starting trap backend: %w", err)
	}
	return pm, nil
}

// Close stops the trap backend and releases the state table.
func (pm *PageManager) Close() error {
	if err := pm.backend.Close(); err != nil {
		return err
	}
	return memutil.UnmapSlice(pm.pages)
}

// OnGpuMap registers a guest range mapped for GPU use with the fault
// interception mechanism.
func (pm *PageManager) OnGpuMap(addr guestarch.Addr, size uint64) {
	if err := pm.backend.RegisterRange(addr, size); err != nil {
		panic(fmt.Sprintf("registering mapped range [%#x, %#x): %v", addr, uint64(addr)+size, err))
	}
}

// OnGpuUnmap unregisters a guest range from the fault interception
// mechanism.
func (pm *PageManager) OnGpuUnmap(addr guestarch.Addr, size uint64) {
	if err := pm.backend.UnregisterRange(addr, size); err != nil {
		panic(fmt.Sprintf("unregistering mapped range [%#x, %#x): %v", addr, uint64(addr)+size, err))
	}
}

// OnFault implements FaultHandler.OnFault, routing the fault to the
// rasterizer. A write fault means the CPU touched a clean tracked page; a
// read fault means it read a page with pending GPU writes.
func (pm *PageManager) OnFault(addr guestarch.Addr, write bool) bool {
	if write {
		return pm.rasterizer.InvalidateMemory(addr, 1)
	}
	return pm.rasterizer.ReadMemory(addr, 1)
}

// protRange is a pending protection change covering a contiguous run of
// pages whose desired permission is uniform. Ranges are accumulated under
// the lock and applied after it is released, so the mutex is never held
// across a protection syscall.
type protRange struct {
	addr  guestarch.Addr
	size  uint64
	perms guestarch.AccessType
}

// UpdatePageWatchers adjusts the read or write watcher count of every page
// in [addr, addr+size) by delta (+1 or -1). Counter transitions between
// zero and one change the page's derived permission; such pages are batched
// into contiguous uniform-permission runs and the host protection is
// updated once per run. A sequence of calls that produces no permission
// transition produces no protection calls.
func (pm *PageManager) UpdatePageWatchers(addr guestarch.Addr, size uint64, delta int, isRead bool) {
	if size == 0 {
		return
	}
	if delta != 1 && delta != -1 {
		panic(fmt.Sprintf("invalid watcher delta %d", delta))
	}
	start := addr.PageRoundDown().PageIndex()
	end := (addr + guestarch.Addr(size) - 1).PageIndex() + 1

	var pending []protRange
	var cur protRange
	active := false

	pm.mu.Lock()
	for page := start; page < end; page++ {
		state := PageState(pm.pages[page])
		var newState PageState
		var ok bool
		if delta > 0 {
			newState, ok = state.Increment(isRead)
		} else {
			newState, ok = state.Decrement(isRead)
		}
		if !ok {
			pm.mu.Unlock()
			panic(fmt.Sprintf("page %#x watcher count out of range: state %#02x, delta %d, isRead %t",
				page<<guestarch.PageShift, uint8(state), delta, isRead))
		}
		pm.pages[page] = byte(newState)

		newPerm := newState.Perm()
		if state.Perm() == newPerm {
			continue
		}
		pageAddr := guestarch.Addr(page << guestarch.PageShift)
		if active && cur.addr+guestarch.Addr(cur.size) == pageAddr && cur.perms == newPerm {
			cur.size += guestarch.PageSize
			continue
		}
		if active {
			pending = append(pending, cur)
		}
		cur = protRange{addr: pageAddr, size: guestarch.PageSize, perms: newPerm}
		active = true
	}
	if active {
		pending = append(pending, cur)
	}
	pm.mu.Unlock()

	for _, r := range pending {
		if err := pm.backend.Protect(r.addr, r.size, r.perms); err != nil {
			// A silently failed protection change means a write that should
			// have trapped will not, which is silent data corruption.
			panic(fmt.Sprintf("protecting [%#x, %#x) as %v: %v", r.addr, uint64(r.addr)+r.size, r.perms, err))
		}
	}
}

// updateWatchersForRegion applies a region's accumulated protection
// transitions: every page set in add gains a watcher, every page set in
// remove loses one. Called by RegionManager with no bit locks held.
func (pm *PageManager) updateWatchersForRegion(base guestarch.Addr, isRead bool, add, remove *RegionBits) {
	add.ForEachSetRun(func(page, count uint64) {
		pm.UpdatePageWatchers(base+guestarch.Addr(page*guestarch.PageSize), count*guestarch.PageSize, 1, isRead)
	})
	remove.ForEachSetRun(func(page, count uint64) {
		pm.UpdatePageWatchers(base+guestarch.Addr(page*guestarch.PageSize), count*guestarch.PageSize, -1, isRead)
	})
}

// WatcherCounts returns the current read and write watcher counts for the
// page containing addr. It is intended for tests and diagnostics.
func (pm *PageManager) WatcherCounts(addr guestarch.Addr) (read, write uint8) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	state := PageState(pm.pages[addr.PageIndex()])
	return state.ReadCount(), state.WriteCount()
}
