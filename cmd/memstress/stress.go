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
	"context"
	"flag"
	"math/rand"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/diegolix29/vidcore/pkg/atomicbitops"
	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/log"
	"github.com/diegolix29/vidcore/pkg/memtrack"
	"github.com/diegolix29/vidcore/pkg/memtrack/trap"
	"github.com/diegolix29/vidcore/pkg/sync"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	config string
	debug  bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run a synthetic tracking workload"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] - run a synthetic tracking workload
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "TOML workload profile; empty for the built-in default")
	f.BoolVar(&r.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if r.debug {
		log.SetLevel(log.Debug)
	}
	p, err := loadProfile(r.config)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitUsageError
	}
	st, err := runWorkload(ctx, p)
	if err != nil {
		log.Warningf("workload failed: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("marked %d MiB cpu-dirty, uploaded %d MiB, downloaded %d MiB, %d protection calls",
		st.marked.Load()>>20, st.uploaded.Load()>>20, st.downloaded.Load()>>20, st.protects.Load())
	return subcommands.ExitSuccess
}

type workloadStats struct {
	marked     atomicbitops.Uint64
	uploaded   atomicbitops.Uint64
	downloaded atomicbitops.Uint64
	protects   atomicbitops.Uint64
}

// countingAddressSpace counts protection calls instead of issuing real
// mprotect syscalls; the workload's guest addresses are not mapped.
type countingAddressSpace struct {
	stats *workloadStats
}

// Protect implements memtrack.AddressSpace.Protect.
func (as *countingAddressSpace) Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error {
	as.stats.protects.Add(1)
	return nil
}

// stressRasterizer remarks faulted ranges dirty, as the real rasterizer's
// invalidation path does. No synthetic faults are delivered, but the
// PageManager requires a rasterizer and a real one must be wireable here.
type stressRasterizer struct {
	tracker *memtrack.Tracker
}

// InvalidateMemory implements memtrack.Rasterizer.InvalidateMemory.
func (sr *stressRasterizer) InvalidateMemory(addr guestarch.Addr, size uint64) bool {
	sr.tracker.MarkRegionAsCPUModified(addr, size)
	return true
}

// ReadMemory implements memtrack.Rasterizer.ReadMemory.
func (sr *stressRasterizer) ReadMemory(addr guestarch.Addr, size uint64) bool {
	return true
}

// runWorkload drives the profile's writers and flusher to completion.
//
// A per-region RWMutex gates writers (shared) against the flusher
// (exclusive). In the emulator the fault mechanism itself orders a page's
// dirty-mark against the flush that re-protected it; synthetic marks have
// no such ordering, so the gate supplies it. Writers still contend on the
// per-word bit locks against each other.
func runWorkload(ctx context.Context, p Profile) (*workloadStats, error) {
	st := &workloadStats{}
	backend := trap.NewSignal(&countingAddressSpace{stats: st})
	rast := &stressRasterizer{}
	pm, err := memtrack.NewPageManager(rast, backend, memtrack.PageManagerOpts{
		AddressSpaceBits: p.addressSpaceBits(),
	})
	if err != nil {
		return nil, err
	}
	defer pm.Close()
	tracker := memtrack.NewTracker(pm)
	rast.tracker = tracker

	gates := make([]sync.RWMutex, p.Regions)
	regionBase := func(r int) guestarch.Addr {
		return guestarch.Addr(r) * guestarch.RegionSize
	}
	span := uint64(p.SpanPages) * guestarch.PageSize

	var writers errgroup.Group
	for i := 0; i < p.Writers; i++ {
		rng := rand.New(rand.NewSource(int64(i) + 1))
		writers.Go(func() error {
			for n := 0; n < p.Iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				r := rng.Intn(p.Regions)
				page := rng.Intn(int(guestarch.RegionPages) - p.SpanPages + 1)
				addr := regionBase(r) + guestarch.Addr(page)*guestarch.PageSize
				gates[r].RLock()
				tracker.MarkRegionAsCPUModified(addr, span)
				gates[r].RUnlock()
				st.marked.Add(span)
			}
			return nil
		})
	}
	for i := 0; i < p.GPUWriters; i++ {
		rng := rand.New(rand.NewSource(int64(1000 + i)))
		writers.Go(func() error {
			for n := 0; n < p.Iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				r := rng.Intn(p.Regions)
				page := rng.Intn(int(guestarch.RegionPages) - p.SpanPages + 1)
				addr := regionBase(r) + guestarch.Addr(page)*guestarch.PageSize
				gates[r].Lock()
				tracker.MarkRegionAsGPUModified(addr, span)
				if n%16 == 0 {
					tracker.ForEachDownloadRange(regionBase(r), guestarch.RegionSize, true, func(_ guestarch.Addr, size uint64) {
						st.downloaded.Add(size)
					})
				}
				gates[r].Unlock()
				st.marked.Add(span)
			}
			return nil
		})
	}

	stop := make(chan struct{})
	var flusher errgroup.Group
	flusher.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			for r := 0; r < p.Regions; r++ {
				gates[r].Lock()
				tracker.ForEachUploadRange(regionBase(r), guestarch.RegionSize, func(_ guestarch.Addr, size uint64) {
					st.uploaded.Add(size)
				})
				gates[r].Unlock()
			}
		}
	})

	werr := writers.Wait()
	close(stop)
	ferr := flusher.Wait()
	if werr != nil {
		return nil, werr
	}
	if ferr != nil {
		return nil, ferr
	}

	// Drain whatever the writers dirtied after the flusher's last sweep.
	for r := 0; r < p.Regions; r++ {
		tracker.ForEachUploadRange(regionBase(r), guestarch.RegionSize, func(_ guestarch.Addr, size uint64) {
			st.uploaded.Add(size)
		})
		tracker.ForEachDownloadRange(regionBase(r), guestarch.RegionSize, true, func(_ guestarch.Addr, size uint64) {
			st.downloaded.Add(size)
		})
	}
	log.Debugf("workload complete: %d regions instantiated", tracker.RegionCount())
	return st, nil
}
