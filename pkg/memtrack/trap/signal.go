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

package trap

import (
	"fmt"
	"sync/atomic"

	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/memtrack"
)

// SignalBackend applies protection through the guest address space's own
// mprotect primitive and receives faults from the process's
// access-violation handler chain.
//
// The backend does not install a handler itself: the embedding emulator
// owns the low-level signal trampoline (it must, since other subsystems
// chain on the same signal) and registers this backend at the lowest
// priority, calling HandleFault for faults no other handler claimed.
// Registration of individual ranges is a no-op; the handler already covers
// the whole guest address space.
type SignalBackend struct {
	as memtrack.AddressSpace

	// handler is set once by Start and read by the fault path without
	// locking.
	handler atomic.Pointer[faultHandlerBox]
}

type faultHandlerBox struct {
	h memtrack.FaultHandler
}

var _ memtrack.Backend = (*SignalBackend)(nil)

// NewSignal returns a SignalBackend protecting through as.
func NewSignal(as memtrack.AddressSpace) *SignalBackend {
	return &SignalBackend{as: as}
}

// Start implements memtrack.Backend.Start.
func (b *SignalBackend) Start(h memtrack.FaultHandler) error {
	if !b.handler.CompareAndSwap(nil, &faultHandlerBox{h: h}) {
		return fmt.Errorf("signal backend already started")
	}
	return nil
}

// RegisterRange implements memtrack.Backend.RegisterRange. The signal
// handler sees the whole address space, so nothing needs registration.
func (b *SignalBackend) RegisterRange(addr guestarch.Addr, size uint64) error {
	return nil
}

// UnregisterRange implements memtrack.Backend.UnregisterRange.
func (b *SignalBackend) UnregisterRange(addr guestarch.Addr, size uint64) error {
	return nil
}

// Protect implements memtrack.Backend.Protect.
func (b *SignalBackend) Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error {
	return b.as.Protect(addr, size, perms)
}

// HandleFault is the entry point for the embedder's access-violation
// chain. It returns whether the fault was handled; false means the access
// is genuinely invalid and should propagate (and crash).
func (b *SignalBackend) HandleFault(addr guestarch.Addr, write bool) bool {
	box := b.handler.Load()
	if box == nil {
		return false
	}
	return box.h.OnFault(addr, write)
}

// Close implements memtrack.Backend.Close.
func (b *SignalBackend) Close() error {
	b.handler.Store(nil)
	return nil
}
