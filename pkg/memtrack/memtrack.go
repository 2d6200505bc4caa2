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

// Package memtrack implements page-granularity coherency tracking for guest
// memory shared between the emulated CPU and the GPU backend.
//
// Each 16 MiB region of guest address space is tracked by a RegionManager,
// which keeps one bit per 4 KiB page in four planes: pages written by the
// CPU since the GPU last observed them, pages written by the GPU since the
// CPU last observed them, and two planes recording the protection currently
// applied as a consequence of the first two. The PageManager converts
// logical per-page watcher counts into actual host protection changes
// through a pluggable fault-interception backend (see the trap subpackage),
// and routes host faults back to the rasterizer.
package memtrack

import (
	"github.com/diegolix29/vidcore/pkg/guestarch"
)

// Kind selects one of the two modification planes of a region.
type Kind int

const (
	// CPU tracks pages written by the guest CPU since the GPU last
	// synchronized them.
	CPU Kind = iota

	// GPU tracks pages written by the GPU since the CPU last read them
	// back.
	GPU
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Invalid"
	}
}

// Rasterizer is the consumer notified when a tracked page is touched. It is
// implemented by the GPU submission layer.
type Rasterizer interface {
	// InvalidateMemory is called when the guest CPU writes to a tracked
	// page. It must bring (or schedule bringing) GPU-side copies of the
	// range up to date and report whether the fault was handled.
	InvalidateMemory(addr guestarch.Addr, size uint64) bool

	// ReadMemory is called when the guest CPU reads a page with pending GPU
	// writes. It must flush those writes back to guest memory before
	// returning.
	ReadMemory(addr guestarch.Addr, size uint64) bool
}

// AddressSpace is the guest address space primitive that protection changes
// are ultimately applied through. It is implemented by the emulator's
// virtual memory layer.
type AddressSpace interface {
	// Protect sets the host protection of [addr, addr+size) to perms.
	Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error
}

// FaultHandler receives host faults on tracked pages.
type FaultHandler interface {
	// OnFault is called with the faulting address and whether the access
	// was a write. It returns whether the fault was handled; an unhandled
	// fault is a genuinely invalid guest access.
	OnFault(addr guestarch.Addr, write bool) bool
}

// Backend intercepts guest accesses to protected pages. Implementations
// live in the trap subpackage; tests substitute in-process fakes.
type Backend interface {
	// Start begins fault delivery to h. It must be called exactly once
	// before any other method.
	Start(h FaultHandler) error

	// RegisterRange makes faults in [addr, addr+size) visible to the
	// backend. Backends that observe the whole address space implement
	// this as a no-op.
	RegisterRange(addr guestarch.Addr, size uint64) error

	// UnregisterRange undoes RegisterRange.
	UnregisterRange(addr guestarch.Addr, size uint64) error

	// Protect applies perms to [addr, addr+size).
	Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error

	// Close stops fault delivery and releases backend resources.
	Close() error
}
