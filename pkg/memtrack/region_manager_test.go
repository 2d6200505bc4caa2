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
	"github.com/diegolix29/vidcore/pkg/sync"
)

const testRegionBase = guestarch.Addr(guestarch.RegionSize)

func TestNewRegionManagerUnalignedPanics(t *testing.T) {
	pm, _, _ := newTestPageManager(t)
	defer func() {
		if recover() == nil {
			t.Errorf("NewRegionManager with unaligned base: got no panic, wanted panic")
		}
	}()
	NewRegionManager(pm, testRegionBase+guestarch.PageSize)
}

func TestChangeRegionStateRoundTrip(t *testing.T) {
	pm, backend, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	const (
		firstPage = 4
		numPages  = 8
	)
	offset := uint64(firstPage * guestarch.PageSize)
	size := uint64(numPages * guestarch.PageSize)
	rm.ChangeRegionState(GPU, true, offset, size)

	if !rm.IsRegionModified(GPU, offset, size) {
		t.Errorf("IsRegionModified(GPU) over marked range: got false, wanted true")
	}
	if rm.IsRegionModified(GPU, 0, firstPage*guestarch.PageSize) {
		t.Errorf("IsRegionModified(GPU) before marked range: got true, wanted false")
	}
	if rm.IsRegionModified(GPU, offset+size, guestarch.PageSize) {
		t.Errorf("IsRegionModified(GPU) after marked range: got true, wanted false")
	}

	// Every marked page carries one read watcher and has lost all access.
	for p := uint64(firstPage); p < firstPage+numPages; p++ {
		addr := testRegionBase + guestarch.Addr(p*guestarch.PageSize)
		read, write := pm.WatcherCounts(addr)
		if read != 1 || write != 0 {
			t.Errorf("page %d watchers: got read=%d write=%d, wanted read=1 write=0", p, read, write)
		}
		if got := backend.pagePerm(addr); got != guestarch.NoAccess {
			t.Errorf("page %d permission: got %v, wanted %v", p, got, guestarch.NoAccess)
		}
	}
	// A neighboring page is untouched.
	read, write := pm.WatcherCounts(testRegionBase + guestarch.Addr((firstPage+numPages)*guestarch.PageSize))
	if read != 0 || write != 0 {
		t.Errorf("unmarked page watchers: got read=%d write=%d, wanted read=0 write=0", read, write)
	}
}

func TestChangeRegionStateRedundant(t *testing.T) {
	pm, backend, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	size := uint64(4 * guestarch.PageSize)
	rm.ChangeRegionState(GPU, true, 0, size)
	calls := backend.protectCount()
	if calls == 0 {
		t.Fatalf("first enable: got 0 Protect calls, wanted at least 1")
	}
	// Re-enabling the same pages is a no-op at the protection layer.
	rm.ChangeRegionState(GPU, true, 0, size)
	if got := backend.protectCount(); got != calls {
		t.Errorf("redundant enable: got %d Protect calls, wanted %d", got, calls)
	}
	// So is disabling pages that were never enabled.
	rm.ChangeRegionState(GPU, false, size, size)
	if got := backend.protectCount(); got != calls {
		t.Errorf("redundant disable: got %d Protect calls, wanted %d", got, calls)
	}
}

func TestForEachModifiedRangeClearIdempotent(t *testing.T) {
	pm, backend, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	offset := uint64(10 * guestarch.PageSize)
	size := uint64(6 * guestarch.PageSize)
	rm.ChangeRegionState(GPU, true, offset, size)

	var got []recordedRange
	rm.ForEachModifiedRange(GPU, true, 0, guestarch.RegionSize, recordRanges(&got))
	if len(got) != 1 {
		t.Fatalf("first pass: got %d ranges, wanted 1", len(got))
	}
	want := recordedRange{testRegionBase + guestarch.Addr(offset), size}
	if got[0] != want {
		t.Errorf("first pass: got %+v, wanted %+v", got[0], want)
	}

	calls := backend.protectCount()
	got = nil
	rm.ForEachModifiedRange(GPU, true, 0, guestarch.RegionSize, recordRanges(&got))
	if len(got) != 0 {
		t.Errorf("second pass: got %d ranges, wanted 0", len(got))
	}
	if after := backend.protectCount(); after != calls {
		t.Errorf("second pass: got %d additional Protect calls, wanted 0", after-calls)
	}
	// The pages are accessible again.
	if perm := backend.pagePerm(testRegionBase + guestarch.Addr(offset)); perm != guestarch.ReadWrite {
		t.Errorf("cleared page permission: got %v, wanted %v", perm, guestarch.ReadWrite)
	}
}

// TestForEachModifiedRangeCrossWord marks pages 0..70, which straddle the
// first word boundary, and expects a single merged run.
func TestForEachModifiedRangeCrossWord(t *testing.T) {
	pm, _, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	const numPages = 71
	rm.ChangeRegionState(GPU, true, 0, numPages*guestarch.PageSize)

	var got []recordedRange
	rm.ForEachModifiedRange(GPU, false, 0, guestarch.RegionSize, recordRanges(&got))
	if len(got) != 1 {
		t.Fatalf("got %d ranges, wanted 1: %+v", len(got), got)
	}
	want := recordedRange{testRegionBase, numPages * guestarch.PageSize}
	if got[0] != want {
		t.Errorf("got %+v, wanted %+v", got[0], want)
	}
}

// TestForEachModifiedRangeMultipleRuns verifies that distinct dirty runs
// produce distinct callbacks in address order.
func TestForEachModifiedRangeMultipleRuns(t *testing.T) {
	pm, _, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	rm.ChangeRegionState(GPU, true, 2*guestarch.PageSize, 3*guestarch.PageSize)
	rm.ChangeRegionState(GPU, true, 100*guestarch.PageSize, 2*guestarch.PageSize)

	var got []recordedRange
	rm.ForEachModifiedRange(GPU, false, 0, guestarch.RegionSize, recordRanges(&got))
	want := []recordedRange{
		{testRegionBase + 2*guestarch.PageSize, 3 * guestarch.PageSize},
		{testRegionBase + 100*guestarch.PageSize, 2 * guestarch.PageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ranges, wanted %d: %+v", len(got), len(want), got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("range %d: got %+v, wanted %+v", i, got[i], want[i])
		}
	}
}

// TestFullSpanIteration marks a 128-page span that exactly fills two state
// words and expects one callback covering the whole span.
func TestFullSpanIteration(t *testing.T) {
	pm, _, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	const numPages = 128
	rm.ChangeRegionState(GPU, true, 0, numPages*guestarch.PageSize)

	var got []recordedRange
	rm.ForEachModifiedRange(GPU, true, 0, numPages*guestarch.PageSize, recordRanges(&got))
	if len(got) != 1 {
		t.Fatalf("got %d ranges, wanted 1: %+v", len(got), got)
	}
	want := recordedRange{testRegionBase, numPages * guestarch.PageSize}
	if got[0] != want {
		t.Errorf("got %+v, wanted %+v", got[0], want)
	}
}

// TestFreshRegionCPUDirty checks the birth state: everything is CPU-dirty,
// and draining it arms write traps once.
func TestFreshRegionCPUDirty(t *testing.T) {
	pm, backend, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	if !rm.IsRegionModified(CPU, 0, guestarch.RegionSize) {
		t.Fatalf("fresh region: IsRegionModified(CPU) got false, wanted true")
	}
	var got []recordedRange
	rm.ForEachModifiedRange(CPU, true, 0, guestarch.RegionSize, recordRanges(&got))
	if len(got) != 1 || got[0] != (recordedRange{testRegionBase, guestarch.RegionSize}) {
		t.Fatalf("drain: got %+v, wanted one full-region range", got)
	}
	if rm.IsRegionModified(CPU, 0, guestarch.RegionSize) {
		t.Errorf("after drain: IsRegionModified(CPU) got true, wanted false")
	}
	// The whole region is now write-protected by a single contiguous call.
	if got := backend.protectCount(); got != 1 {
		t.Errorf("drain: got %d Protect calls, wanted 1", got)
	}
	if perm := backend.pagePerm(testRegionBase); perm != guestarch.Read {
		t.Errorf("drained page permission: got %v, wanted %v", perm, guestarch.Read)
	}

	// Re-dirtying one page disarms its trap.
	rm.ChangeRegionState(CPU, true, 0, guestarch.PageSize)
	if perm := backend.pagePerm(testRegionBase); perm != guestarch.ReadWrite {
		t.Errorf("re-dirtied page permission: got %v, wanted %v", perm, guestarch.ReadWrite)
	}
}

// TestConcurrentOverlappingEnables races overlapping GPU-plane enables and
// checks that no update is lost and no watcher is double counted.
func TestConcurrentOverlappingEnables(t *testing.T) {
	pm, _, _ := newTestPageManager(t)
	rm := NewRegionManager(pm, testRegionBase)

	const (
		workers  = 8
		numPages = 96
	)
	// Every worker enables a window that overlaps its neighbors'.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := uint64(i * numPages / workers * guestarch.PageSize)
			size := uint64(numPages / workers * 2 * guestarch.PageSize)
			if start+size > numPages*guestarch.PageSize {
				size = numPages*guestarch.PageSize - start
			}
			rm.ChangeRegionState(GPU, true, start, size)
		}(i)
	}
	wg.Wait()

	if !rm.IsRegionModified(GPU, 0, numPages*guestarch.PageSize) {
		t.Errorf("IsRegionModified(GPU): got false, wanted true")
	}
	for p := uint64(0); p < numPages; p++ {
		if !rm.gpu.GetPage(p) {
			t.Errorf("page %d: gpu bit lost", p)
		}
		read, write := pm.WatcherCounts(testRegionBase + guestarch.Addr(p*guestarch.PageSize))
		if read != 1 || write != 0 {
			t.Errorf("page %d watchers: got read=%d write=%d, wanted read=1 write=0", p, read, write)
		}
	}
}
