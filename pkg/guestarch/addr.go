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

package guestarch

// Addr represents a guest virtual address.
type Addr uint64

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) PageRoundDown() Addr {
	return v &^ (PageSize - 1)
}

// PageRoundUp returns the address rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) PageRoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).PageRoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageIndex returns the index of the page containing v within the guest
// address space.
func (v Addr) PageIndex() uint64 {
	return uint64(v) >> PageShift
}

// RegionRoundDown returns the address rounded down to the nearest region
// boundary.
func (v Addr) RegionRoundDown() Addr {
	return v &^ (RegionSize - 1)
}

// RegionOffset returns the offset of v into the current region.
func (v Addr) RegionOffset() uint64 {
	return uint64(v & (RegionSize - 1))
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since these ranges are not
// inclusive, the end is start+length *exclusive*.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}
