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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/diegolix29/vidcore/pkg/guestarch"
)

// Profile describes the synthetic workload.
type Profile struct {
	// Regions is the number of 16 MiB guest regions the workload spans.
	Regions int `toml:"regions"`

	// Writers is the number of goroutines marking pages CPU-dirty.
	Writers int `toml:"writers"`

	// GPUWriters is the number of goroutines marking pages GPU-dirty and
	// periodically draining them through the download path.
	GPUWriters int `toml:"gpu_writers"`

	// Iterations is the number of marks each writer performs.
	Iterations int `toml:"iterations"`

	// SpanPages is the number of pages each mark covers.
	SpanPages int `toml:"span_pages"`
}

func defaultProfile() Profile {
	return Profile{
		Regions:    4,
		Writers:    4,
		GPUWriters: 1,
		Iterations: 50000,
		SpanPages:  8,
	}
}

// loadProfile reads a TOML workload profile, or returns the default
// workload if path is empty.
func loadProfile(path string) (Profile, error) {
	p := defaultProfile()
	if path != "" {
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return Profile{}, fmt.Errorf("reading profile %q: %w", path, err)
		}
	}
	if err := p.validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

func (p Profile) validate() error {
	if p.Regions < 1 {
		return fmt.Errorf("regions must be >= 1, got %d", p.Regions)
	}
	if p.Writers < 1 {
		return fmt.Errorf("writers must be >= 1, got %d", p.Writers)
	}
	if p.GPUWriters < 0 {
		return fmt.Errorf("gpu_writers must be >= 0, got %d", p.GPUWriters)
	}
	if p.Iterations < 1 {
		return fmt.Errorf("iterations must be >= 1, got %d", p.Iterations)
	}
	if p.SpanPages < 1 || uint64(p.SpanPages) > guestarch.RegionPages {
		return fmt.Errorf("span_pages must be in [1, %d], got %d", guestarch.RegionPages, p.SpanPages)
	}
	return nil
}

// addressSpaceBits returns the smallest address space width covering the
// profile's regions.
func (p Profile) addressSpaceBits() uint {
	need := uint64(p.Regions) * guestarch.RegionSize
	bits := uint(guestarch.RegionShift)
	for uint64(1)<<bits < need {
		bits++
	}
	return bits
}
