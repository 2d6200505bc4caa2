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
	"github.com/diegolix29/vidcore/pkg/guestarch"
)

// PageState packs two saturating watcher counters for one guest page into a
// single byte for cache density: the read-watcher count in the low nibble
// and the write-watcher count in the high nibble. A page with any watcher
// of a kind loses the corresponding permission so the next guest access
// traps.
type PageState uint8

const (
	// MaxWatchers is the largest per-kind watcher count a page can hold.
	MaxWatchers = 15

	readShift  = 0
	writeShift = 4
	countMask  = 0xf
)

// ReadCount returns the number of active read watchers.
func (s PageState) ReadCount() uint8 {
	return uint8(s>>readShift) & countMask
}

// WriteCount returns the number of active write watchers.
func (s PageState) WriteCount() uint8 {
	return uint8(s>>writeShift) & countMask
}

// Increment returns the state with the selected counter raised by one. ok
// is false if the counter is already at MaxWatchers; the state is returned
// unchanged in that case and the caller decides whether that is fatal.
func (s PageState) Increment(isRead bool) (PageState, bool) {
	shift := writeShift
	if isRead {
		shift = readShift
	}
	count := uint8(s>>shift) & countMask
	if count == MaxWatchers {
		return s, false
	}
	return s + 1<<shift, true
}

// Decrement returns the state with the selected counter lowered by one. ok
// is false if the counter is already zero.
func (s PageState) Decrement(isRead bool) (PageState, bool) {
	shift := writeShift
	if isRead {
		shift = readShift
	}
	count := uint8(s>>shift) & countMask
	if count == 0 {
		return s, false
	}
	return s - 1<<shift, true
}

// Perm derives the page's host permission from the watcher counts. Any
// read watcher removes all access, since a read trap implies the page
// contents are stale; a write watcher alone still permits reads.
func (s PageState) Perm() guestarch.AccessType {
	switch {
	case s.ReadCount() > 0:
		return guestarch.NoAccess
	case s.WriteCount() > 0:
		return guestarch.Read
	default:
		return guestarch.ReadWrite
	}
}
