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
	"testing"

	"github.com/diegolix29/vidcore/pkg/guestarch"
)

type protectCall struct {
	addr  guestarch.Addr
	size  uint64
	perms guestarch.AccessType
}

type fakeAddressSpace struct {
	calls []protectCall
}

func (f *fakeAddressSpace) Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error {
	f.calls = append(f.calls, protectCall{addr, size, perms})
	return nil
}

type recordingHandler struct {
	faults []guestarch.Addr
	writes []bool
	ret    bool
}

func (h *recordingHandler) OnFault(addr guestarch.Addr, write bool) bool {
	h.faults = append(h.faults, addr)
	h.writes = append(h.writes, write)
	return h.ret
}

func TestSignalBackendFaultRouting(t *testing.T) {
	as := &fakeAddressSpace{}
	b := NewSignal(as)

	// Faults before Start are unhandled.
	if b.HandleFault(0x1000, true) {
		t.Error("HandleFault before Start: got handled, wanted unhandled")
	}

	h := &recordingHandler{ret: true}
	if err := b.Start(h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Start(h); err == nil {
		t.Error("second Start succeeded, wanted error")
	}

	if !b.HandleFault(0x2000, true) {
		t.Error("write fault not handled")
	}
	if !b.HandleFault(0x3000, false) {
		t.Error("read fault not handled")
	}
	if len(h.faults) != 2 || h.faults[0] != 0x2000 || h.faults[1] != 0x3000 {
		t.Errorf("handler saw faults %v, wanted [0x2000 0x3000]", h.faults)
	}
	if !h.writes[0] || h.writes[1] {
		t.Errorf("handler saw writes %v, wanted [true false]", h.writes)
	}

	// Protection delegates to the address space, registration is a no-op.
	if err := b.RegisterRange(0, guestarch.PageSize); err != nil {
		t.Errorf("RegisterRange failed: %v", err)
	}
	if err := b.Protect(0x4000, guestarch.PageSize, guestarch.Read); err != nil {
		t.Errorf("Protect failed: %v", err)
	}
	want := protectCall{0x4000, guestarch.PageSize, guestarch.Read}
	if len(as.calls) != 1 || as.calls[0] != want {
		t.Errorf("address space saw %v, wanted [%v]", as.calls, want)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if b.HandleFault(0x5000, true) {
		t.Error("HandleFault after Close: got handled, wanted unhandled")
	}
}

func TestFactoryFallsBackToSignal(t *testing.T) {
	as := &fakeAddressSpace{}
	// Userfaultfd may be unavailable in the test environment (permissions,
	// kernel config, non-Linux); the factory must still return a usable
	// backend.
	b, err := New(Options{AddressSpace: as, UseUserfaultfd: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	h := &recordingHandler{ret: true}
	if err := b.Start(h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}
