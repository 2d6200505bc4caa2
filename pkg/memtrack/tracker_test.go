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
	"testing"

	"github.com/diegolix29/vidcore/pkg/guestarch"
)

func newTestTracker(t *testing.T) (*Tracker, *fakeBackend) {
	t.Helper()
	pm, backend, _ := newTestPageManager(t)
	return NewTracker(pm), backend
}

func TestTrackerLazyRegions(t *testing.T) {
	tr, _ := newTestTracker(t)
	if got := tr.RegionCount(); got != 0 {
		t.Fatalf("fresh tracker: got %d regions, wanted 0", got)
	}
	tr.MarkRegionAsGPUModified(0x1000, guestarch.PageSize)
	if got := tr.RegionCount(); got != 1 {
		t.Errorf("after one mark: got %d regions, wanted 1", got)
	}
	// Marks in the same region reuse the manager.
	tr.MarkRegionAsGPUModified(0x8000, 4*guestarch.PageSize)
	if got := tr.RegionCount(); got != 1 {
		t.Errorf("after second mark in same region: got %d regions, wanted 1", got)
	}
	// A range straddling the region boundary instantiates the neighbor.
	tr.MarkRegionAsGPUModified(guestarch.RegionSize-guestarch.PageSize, 2*guestarch.PageSize)
	if got := tr.RegionCount(); got != 2 {
		t.Errorf("after boundary mark: got %d regions, wanted 2", got)
	}
}

func TestTrackerCrossRegionSplit(t *testing.T) {
	tr, _ := newTestTracker(t)

	// Four pages centered on the first region boundary.
	addr := guestarch.Addr(guestarch.RegionSize - 2*guestarch.PageSize)
	size := uint64(4 * guestarch.PageSize)
	tr.MarkRegionAsGPUModified(addr, size)

	if !tr.IsRegionGPUModified(addr, size) {
		t.Errorf("IsRegionGPUModified: got false, wanted true")
	}
	var got []recordedRange
	tr.ForEachDownloadRange(addr, size, true, recordRanges(&got))
	// One callback per region; together they cover the range exactly.
	want := []recordedRange{
		{addr, 2 * guestarch.PageSize},
		{guestarch.RegionSize, 2 * guestarch.PageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ranges, wanted %d: %+v", len(got), len(want), got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("range %d: got %+v, wanted %+v", i, got[i], want[i])
		}
	}
	if tr.IsRegionGPUModified(addr, size) {
		t.Errorf("after clearing download: IsRegionGPUModified got true, wanted false")
	}
}

func TestTrackerUploadFlow(t *testing.T) {
	tr, _ := newTestTracker(t)

	// Regions are born CPU-dirty, so the first upload sweep returns the
	// whole queried range and cleans it.
	addr := guestarch.Addr(0x10000)
	size := uint64(16 * guestarch.PageSize)
	var got []recordedRange
	tr.ForEachUploadRange(addr, size, recordRanges(&got))
	if len(got) != 1 || got[0] != (recordedRange{addr, size}) {
		t.Fatalf("first upload sweep: got %+v, wanted [{%#x %#x}]", got, addr, size)
	}
	if tr.IsRegionCPUModified(addr, size) {
		t.Fatalf("after sweep: IsRegionCPUModified got true, wanted false")
	}

	// A fault re-dirties part of the range; only that part comes back.
	dirty := addr + 4*guestarch.PageSize
	tr.MarkRegionAsCPUModified(dirty, 2*guestarch.PageSize)
	if !tr.IsRegionCPUModified(addr, size) {
		t.Fatalf("after fault: IsRegionCPUModified got false, wanted true")
	}
	got = nil
	tr.ForEachUploadRange(addr, size, recordRanges(&got))
	if len(got) != 1 || got[0] != (recordedRange{dirty, 2 * guestarch.PageSize}) {
		t.Errorf("second upload sweep: got %+v, wanted [{%#x %#x}]", got, dirty, 2*guestarch.PageSize)
	}
}

func TestTrackerUnmarkCPUModified(t *testing.T) {
	tr, backend := newTestTracker(t)

	addr := guestarch.Addr(0x20000)
	size := uint64(8 * guestarch.PageSize)
	// Write-through: consume the dirty state without visiting it.
	tr.UnmarkRegionAsCPUModified(addr, size)
	if tr.IsRegionCPUModified(addr, size) {
		t.Errorf("after unmark: IsRegionCPUModified got true, wanted false")
	}
	// The pages are now write-protected awaiting the next CPU write.
	if perm := backend.pagePerm(addr); perm != guestarch.Read {
		t.Errorf("unmarked page permission: got %v, wanted %v", perm, guestarch.Read)
	}
	// The rest of the region is still dirty and unprotected.
	if !tr.IsRegionCPUModified(addr+guestarch.Addr(size), guestarch.PageSize) {
		t.Errorf("neighboring pages: IsRegionCPUModified got false, wanted true")
	}
	if perm := backend.pagePerm(addr + guestarch.Addr(size)); perm != guestarch.ReadWrite {
		t.Errorf("neighboring page permission: got %v, wanted %v", perm, guestarch.ReadWrite)
	}
}

func TestTrackerDownloadWithoutClear(t *testing.T) {
	tr, _ := newTestTracker(t)

	addr := guestarch.Addr(0x30000)
	size := uint64(4 * guestarch.PageSize)
	tr.MarkRegionAsGPUModified(addr, size)

	var got []recordedRange
	tr.ForEachDownloadRange(addr, size, false, recordRanges(&got))
	if len(got) != 1 {
		t.Fatalf("got %d ranges, wanted 1", len(got))
	}
	// Without clear the state persists for the next sweep.
	if !tr.IsRegionGPUModified(addr, size) {
		t.Errorf("after non-clearing download: IsRegionGPUModified got false, wanted true")
	}
}
