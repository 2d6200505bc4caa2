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

// Package guestarch defines the guest address space layout shared by the
// memory tracking and detiling subsystems: page and region geometry, guest
// virtual addresses, and access permissions.
package guestarch

const (
	// PageShift is the binary log of the tracking page size. The guest GPU
	// and the host MMU both use 4K pages, which is what makes page-granular
	// write protection usable for coherency tracking in the first place.
	PageShift = 12

	// PageSize is the size of a tracking page.
	PageSize = 1 << PageShift

	// RegionShift is the binary log of the size of one tracked region. Each
	// region is tracked by a single RegionManager.
	RegionShift = 24

	// RegionSize is the span of one tracked region (16 MiB).
	RegionSize = 1 << RegionShift

	// PagesPerWord is the number of pages tracked by one 64-bit state word.
	PagesPerWord = 64

	// BytesPerWord is the guest byte span covered by one state word (256 KiB).
	BytesPerWord = PagesPerWord * PageSize

	// RegionWords is the number of state words per region.
	RegionWords = RegionSize / BytesPerWord

	// RegionPages is the number of pages per region.
	RegionPages = RegionSize / PageSize

	// AddressSpaceBits is the width of the guest virtual address space.
	AddressSpaceBits = 40

	// AddressSpaceSize is the span of the guest virtual address space.
	AddressSpaceSize = uint64(1) << AddressSpaceBits
)
