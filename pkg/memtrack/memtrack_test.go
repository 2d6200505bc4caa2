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

// testAddressSpaceBits keeps the page state table small in tests: a 64 MiB
// guest span, i.e. four regions.
const testAddressSpaceBits = 26

type protCall struct {
	addr  guestarch.Addr
	size  uint64
	perms guestarch.AccessType
}

// fakeBackend records protection calls and tracks the effective permission
// of every page it has been asked about.
type fakeBackend struct {
	mu       sync.Mutex
	handler  FaultHandler
	protects []protCall
	perms    map[guestarch.Addr]guestarch.AccessType
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{perms: make(map[guestarch.Addr]guestarch.AccessType)}
}

func (f *fakeBackend) Start(h FaultHandler) error {
	f.handler = h
	return nil
}

func (f *fakeBackend) RegisterRange(addr guestarch.Addr, size uint64) error {
	return nil
}

func (f *fakeBackend) UnregisterRange(addr guestarch.Addr, size uint64) error {
	return nil
}

func (f *fakeBackend) Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protects = append(f.protects, protCall{addr, size, perms})
	for a := addr; a < addr+guestarch.Addr(size); a += guestarch.PageSize {
		f.perms[a] = perms
	}
	return nil
}

func (f *fakeBackend) Close() error {
	return nil
}

func (f *fakeBackend) protectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.protects)
}

// pagePerm returns the last permission applied to the page containing
// addr, defaulting to full access.
func (f *fakeBackend) pagePerm(addr guestarch.Addr) guestarch.AccessType {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.perms[addr.PageRoundDown()]; ok {
		return p
	}
	return guestarch.ReadWrite
}

type fakeRasterizer struct {
	mu          sync.Mutex
	invalidates []protCall
	reads       []protCall
}

func (f *fakeRasterizer) InvalidateMemory(addr guestarch.Addr, size uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates = append(f.invalidates, protCall{addr: addr, size: size})
	return true
}

func (f *fakeRasterizer) ReadMemory(addr guestarch.Addr, size uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, protCall{addr: addr, size: size})
	return true
}

// newTestPageManager returns a PageManager over a small address space with
// a fake rasterizer and backend.
func newTestPageManager(t *testing.T) (*PageManager, *fakeBackend, *fakeRasterizer) {
	t.Helper()
	backend := newFakeBackend()
	rast := &fakeRasterizer{}
	pm, err := NewPageManager(rast, backend, PageManagerOpts{AddressSpaceBits: testAddressSpaceBits})
	if err != nil {
		t.Fatalf("NewPageManager failed: %v", err)
	}
	t.Cleanup(func() {
		if err := pm.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return pm, backend, rast
}

// recordedRange is a callback capture for ForEachModifiedRange tests.
type recordedRange struct {
	addr guestarch.Addr
	size uint64
}

func recordRanges(dst *[]recordedRange) func(guestarch.Addr, uint64) {
	return func(addr guestarch.Addr, size uint64) {
		*dst = append(*dst, recordedRange{addr, size})
	}
}
