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

// Package trap provides the fault-interception backends behind
// memtrack.Backend: a portable signal/mprotect backend, and a Linux
// userfaultfd backend for cheaper high-frequency write-protect toggling.
package trap

import (
	"github.com/diegolix29/vidcore/pkg/log"
	"github.com/diegolix29/vidcore/pkg/memtrack"
)

// Options selects and configures a backend.
type Options struct {
	// AddressSpace is the guest address space protection changes are
	// applied through on the signal path. Required.
	AddressSpace memtrack.AddressSpace

	// UseUserfaultfd requests the userfaultfd backend where available.
	UseUserfaultfd bool
}

// New returns the best available backend for opts. If userfaultfd is
// requested but unavailable, the signal backend is returned instead.
func New(opts Options) (memtrack.Backend, error) {
	if opts.UseUserfaultfd {
		b, err := newUffd(opts)
		if err == nil {
			return b, nil
		}
		log.Warningf("userfaultfd unavailable, falling back to mprotect: %v", err)
	}
	return NewSignal(opts.AddressSpace), nil
}
