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

//go:build linux || darwin

// Package memutil provides utilities for working with memory mappings.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnon returns a private anonymous mapping of the given size. The mapping
// is committed lazily by the host kernel, so it is appropriate for large,
// sparsely-touched tables.
func MapAnon(size uintptr) ([]byte, error) {
	slice, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap of %d bytes failed: %w", size, err)
	}
	return slice, nil
}

// MapFile returns a shared mapping of the given file.
func MapFile(fd int, offset int64, size uintptr, prot int) ([]byte, error) {
	slice, err := unix.Mmap(fd, offset, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of fd %d failed: %w", fd, err)
	}
	return slice, nil
}

// UnmapSlice unmaps a mapping returned by MapAnon or MapFile.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}
