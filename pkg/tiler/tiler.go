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

// Package tiler converts console-tiled pixel data into linear buffers via
// compute dispatch. Pipeline selection is a pure lookup over tiling mode and
// bit depth; an image with no matching detiler passes through untouched,
// which renders wrong but does not crash.
package tiler

import (
	"fmt"
	"time"

	"github.com/diegolix29/vidcore/pkg/log"
)

// TilingMode is the guest GPU's surface tiling layout.
type TilingMode uint32

const (
	// Linear surfaces have no tiling and never need a detiler.
	Linear TilingMode = iota

	// MicroTiled is the 8x8 micro-tile texture layout.
	MicroTiled

	// DisplayMicroTiled is the micro-tile variant used by displayable
	// surfaces.
	DisplayMicroTiled

	// Volume is the macro-tiled layout used by 3D textures. Other
	// macro-tiled layouts are unsupported.
	Volume

	// MacroTiled covers the remaining macro-tiled layouts. No detiler
	// exists for them.
	MacroTiled
)

// String implements fmt.Stringer.String.
func (m TilingMode) String() string {
	switch m {
	case Linear:
		return "Linear"
	case MicroTiled:
		return "MicroTiled"
	case DisplayMicroTiled:
		return "DisplayMicroTiled"
	case Volume:
		return "Volume"
	case MacroTiled:
		return "MacroTiled"
	default:
		return fmt.Sprintf("TilingMode(%d)", uint32(m))
	}
}

// Tiled returns whether surfaces in this mode need detiling at all.
func (m TilingMode) Tiled() bool {
	return m != Linear
}

// MipInfo locates one mip level within the tiled guest data.
type MipInfo struct {
	// Size is the tile-aligned byte size of the level.
	Size uint32

	// Offset is the byte offset of the level from the image base.
	Offset uint32
}

// MaxMipLevels bounds the per-level parameter block pushed to the detile
// shaders.
const MaxMipLevels = 16

// ImageInfo describes the tiled guest image to detile.
type ImageInfo struct {
	TilingMode TilingMode

	// NumBits is the texel bit depth.
	NumBits uint32

	// Pitch and Height describe mip level 0.
	Pitch  uint32
	Height uint32

	NumLevels uint32
	Mips      [MaxMipLevels]MipInfo

	// GuestSize is the total byte size of the tiled guest data.
	GuestSize uint64
}

// DetilerParams is the parameter block pushed to every detile dispatch.
type DetilerParams struct {
	NumLevels uint32
	Pitch0    uint32
	Height    uint32

	// Sizes holds each level's tile-aligned size followed by its offset,
	// two entries per level, as the shaders expect.
	Sizes [2 * MaxMipLevels]uint32
}

// Pipeline is an opaque compute pipeline handle owned by the video backend.
type Pipeline any

// Device creates detiler pipelines at startup.
type Device interface {
	// CreateDetilerPipeline builds the compute pipeline for one supported
	// (mode, bits-per-pixel) pair.
	CreateDetilerPipeline(mode TilingMode, bpp uint32) (Pipeline, error)
}

// Buffer is a GPU buffer handle owned by the video backend.
type Buffer interface {
	// Free releases the buffer. Must not be called while GPU work still
	// references it.
	Free()
}

// Allocator provides scratch output buffers for detiled data.
type Allocator interface {
	AllocateScratch(size uint64) (Buffer, error)
}

// Scheduler ties host-side cleanup to GPU completion.
type Scheduler interface {
	// DeferOperation runs fn after all currently recorded GPU work has
	// completed.
	DeferOperation(fn func())
}

// Dispatcher records one detile dispatch into the current command stream.
type Dispatcher interface {
	BindPipeline(p Pipeline)

	// BindBuffers binds the tiled input at the given offset and the linear
	// output as the dispatch's storage buffers.
	BindBuffers(in Buffer, inOffset uint64, out Buffer)

	PushParams(params DetilerParams)

	Dispatch(groupsX, groupsY, groupsZ uint32)
}

// detilerKey identifies one fixed pipeline in the lookup table.
type detilerKey struct {
	mode TilingMode
	bpp  uint32
}

// supportedDepths are the texel bit depths the detile shaders handle.
var supportedDepths = []uint32{8, 16, 32, 64, 128}

// supportedModes are the tiling modes with detile shaders. Macro-tiled
// layouts other than Volume have none.
var supportedModes = []TilingMode{MicroTiled, DisplayMicroTiled, Volume}

// TileManager owns the fixed set of detiler pipelines and turns tiled guest
// images into linear buffers.
type TileManager struct {
	allocator Allocator
	scheduler Scheduler

	pipelines map[detilerKey]Pipeline

	missLogger log.Logger
}

// NewTileManager builds the full pipeline table up front. Pipeline creation
// failure means the shader set is broken; there is no degraded mode for
// that, so it is an error rather than a per-image fallback.
func NewTileManager(device Device, allocator Allocator, scheduler Scheduler) (*TileManager, error) {
	tm := &TileManager{
		allocator: allocator,
		scheduler: scheduler,
		pipelines: make(map[detilerKey]Pipeline, len(supportedModes)*len(supportedDepths)),
		// A detiler miss repeats for every upload of the same texture;
		// log it, but not ten thousand times.
		missLogger: log.BasicRateLimitedLogger(time.Minute),
	}
	for _, mode := range supportedModes {
		for _, bpp := range supportedDepths {
			p, err := device.CreateDetilerPipeline(mode, bpp)
			if err != nil {
				return nil, fmt.Errorf("creating detiler pipeline (%v, %d bpp): %w", mode, bpp, err)
			}
			tm.pipelines[detilerKey{mode, bpp}] = p
		}
	}
	return tm, nil
}

// GetDetiler returns the pipeline for the image's tiling mode and bit
// depth, or nil if the combination is unsupported. A miss is logged and the
// caller is expected to use the tiled data as-is.
func (tm *TileManager) GetDetiler(info ImageInfo) Pipeline {
	p, ok := tm.pipelines[detilerKey{info.TilingMode, info.NumBits}]
	if !ok {
		tm.missLogger.Warningf("no detiler for tiling mode %v with %d bits per texel; using tiled data as-is", info.TilingMode, info.NumBits)
		return nil
	}
	return p
}

// tileUnitBytes is the dispatch granularity of the detile shaders: one
// workgroup consumes 64 texels.
const tileUnitBytes = 64

// TryDetile detiles the image read from in at inOffset, recording the work
// through disp. If the image is linear or has no matching detiler, the
// input is returned unchanged. Otherwise the returned buffer is a scratch
// allocation holding the linear data at offset 0; it is freed automatically
// once the recorded GPU work completes.
func (tm *TileManager) TryDetile(disp Dispatcher, in Buffer, inOffset uint64, info ImageInfo) (Buffer, uint64, error) {
	if !info.TilingMode.Tiled() {
		return in, inOffset, nil
	}
	pipeline := tm.GetDetiler(info)
	if pipeline == nil {
		return in, inOffset, nil
	}

	out, err := tm.allocator.AllocateScratch(info.GuestSize)
	if err != nil {
		return nil, 0, fmt.Errorf("allocating %d byte detile scratch buffer: %w", info.GuestSize, err)
	}
	// The dispatch reads the scratch buffer on the GPU timeline; free it
	// only once that work has retired.
	tm.scheduler.DeferOperation(out.Free)

	params := DetilerParams{
		NumLevels: info.NumLevels,
		Pitch0:    info.Pitch,
		Height:    info.Height,
	}
	levels := info.NumLevels
	if levels > MaxMipLevels {
		levels = MaxMipLevels
	}
	for i := uint32(0); i < levels; i++ {
		params.Sizes[2*i] = info.Mips[i].Size
		params.Sizes[2*i+1] = info.Mips[i].Offset
	}

	disp.BindPipeline(pipeline)
	disp.BindBuffers(in, inOffset, out)
	disp.PushParams(params)

	bytesPerTexel := uint64(info.NumBits / 8)
	groups := uint32(info.GuestSize / (tileUnitBytes * bytesPerTexel))
	disp.Dispatch(groups, 1, 1)

	return out, 0, nil
}
