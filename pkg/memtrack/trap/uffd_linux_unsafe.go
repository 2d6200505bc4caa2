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

//go:build linux

package trap

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/diegolix29/vidcore/pkg/eventfd"
	"github.com/diegolix29/vidcore/pkg/guestarch"
	"github.com/diegolix29/vidcore/pkg/log"
	"github.com/diegolix29/vidcore/pkg/memtrack"
	"github.com/diegolix29/vidcore/pkg/sync"
)

// userfaultfd ABI, from the kernel's linux/userfaultfd.h.
const (
	uffdAPI = 0xaa

	uffdioAPI          = 0xc018aa3f
	uffdioRegister     = 0xc020aa00
	uffdioUnregister   = 0x8010aa01
	uffdioWriteprotect = 0xc018aa06

	uffdFeaturePagefaultFlagWP = 1 << 0

	uffdioRegisterModeWP = 1 << 1

	uffdioWriteprotectModeWP = 1 << 0

	uffdEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1
)

type uffdioAPIArg struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start  uint64
	length uint64
}

type uffdioRegisterArg struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioWriteprotectArg struct {
	rng  uffdioRange
	mode uint64
}

// uffdMsg is the kernel's struct uffd_msg: a one-byte event tag, padding,
// and an event-specific payload. For pagefault events the payload is
// {flags uint64, address uint64, ptid uint32}.
type uffdMsg struct {
	event uint8
	_     [7]byte
	arg   [24]byte
}

func (m *uffdMsg) pagefaultFlags() uint64 {
	return *(*uint64)(unsafe.Pointer(&m.arg[0]))
}

func (m *uffdMsg) pagefaultAddress() uint64 {
	return *(*uint64)(unsafe.Pointer(&m.arg[8]))
}

// UffdBackend intercepts writes to tracked pages through Linux's
// userfaultfd write-protect mode. Toggling UFFDIO_WRITEPROTECT is cheaper
// than mprotect for high-frequency protection changes and avoids signal
// delivery on the fault path.
//
// Only write faults are delivered on this path; read tracking through
// userfaultfd is not supported. Consumers that need GPU-readback traps must
// use the signal backend.
type UffdBackend struct {
	fd      int
	stop    eventfd.Eventfd
	started bool
	wg      sync.WaitGroup

	// readMissLogger rate-limits the warning emitted when a caller asks
	// for read protection this backend cannot provide.
	readMissLogger log.Logger
}

var _ memtrack.Backend = (*UffdBackend)(nil)

// newUffd opens a userfaultfd descriptor and negotiates write-protect
// support with the kernel.
func newUffd(opts Options) (*UffdBackend, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd: %v", errno)
	}
	b := &UffdBackend{
		fd:             int(fd),
		readMissLogger: log.BasicRateLimitedLogger(time.Minute),
	}
	api := uffdioAPIArg{api: uffdAPI, features: uffdFeaturePagefaultFlagWP}
	if err := b.ioctl(uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(b.fd)
		return nil, fmt.Errorf("UFFDIO_API: %w", err)
	}
	if api.features&uffdFeaturePagefaultFlagWP == 0 {
		unix.Close(b.fd)
		return nil, fmt.Errorf("kernel does not support userfaultfd write-protect")
	}
	return b, nil
}

func (b *UffdBackend) ioctl(req uint64, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(req), uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// Start implements memtrack.Backend.Start. It spawns the fault-polling
// goroutine.
func (b *UffdBackend) Start(h memtrack.FaultHandler) error {
	stop, err := eventfd.Create()
	if err != nil {
		return err
	}
	b.stop = stop
	b.started = true
	b.wg.Add(1)
	go b.poll(h)
	return nil
}

// poll blocks on the userfaultfd descriptor, dispatching write-protect
// fault messages to the handler until the stop eventfd is signalled.
func (b *UffdBackend) poll(h memtrack.FaultHandler) {
	defer b.wg.Done()
	pfds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.stop.FD()), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			panic(fmt.Sprintf("polling userfaultfd: %v", err))
		}
		if pfds[1].Revents != 0 {
			return
		}
		if pfds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		b.drain(h)
	}
}

// drain reads and dispatches all queued fault messages.
func (b *UffdBackend) drain(h memtrack.FaultHandler) {
	var msg uffdMsg
	buf := (*[unsafe.Sizeof(uffdMsg{})]byte)(unsafe.Pointer(&msg))[:]
	for {
		n, err := unix.Read(b.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			panic(fmt.Sprintf("reading userfaultfd message: %v", err))
		}
		if n != len(buf) {
			panic(fmt.Sprintf("short userfaultfd read: got %d bytes, wanted %d", n, len(buf)))
		}
		if msg.event != uffdEventPagefault {
			log.Debugf("ignoring userfaultfd event %#x", msg.event)
			continue
		}
		if msg.pagefaultFlags()&uffdPagefaultFlagWP == 0 {
			continue
		}
		addr := guestarch.Addr(msg.pagefaultAddress())
		if !h.OnFault(addr, true) {
			panic(fmt.Sprintf("unhandled write fault at %#x", addr))
		}
	}
}

// RegisterRange implements memtrack.Backend.RegisterRange, registering the
// range for write-protect faults.
func (b *UffdBackend) RegisterRange(addr guestarch.Addr, size uint64) error {
	arg := uffdioRegisterArg{
		rng:  uffdioRange{start: uint64(addr), length: size},
		mode: uffdioRegisterModeWP,
	}
	if err := b.ioctl(uffdioRegister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER [%#x, %#x): %w", addr, uint64(addr)+size, err)
	}
	return nil
}

// UnregisterRange implements memtrack.Backend.UnregisterRange.
func (b *UffdBackend) UnregisterRange(addr guestarch.Addr, size uint64) error {
	arg := uffdioRange{start: uint64(addr), length: size}
	if err := b.ioctl(uffdioUnregister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("UFFDIO_UNREGISTER [%#x, %#x): %w", addr, uint64(addr)+size, err)
	}
	return nil
}

// Protect implements memtrack.Backend.Protect. Write protection maps to
// UFFDIO_WRITEPROTECT; clearing it also wakes any thread parked on the
// faulting page. Read protection cannot be expressed on this path and is
// dropped with a rate-limited warning.
func (b *UffdBackend) Protect(addr guestarch.Addr, size uint64, perms guestarch.AccessType) error {
	if !perms.Read {
		b.readMissLogger.Warningf("userfaultfd backend cannot trap reads; [%#x, %#x) will not fault on read", addr, uint64(addr)+size)
	}
	var mode uint64
	if !perms.Write {
		mode = uffdioWriteprotectModeWP
	}
	arg := uffdioWriteprotectArg{
		rng:  uffdioRange{start: uint64(addr), length: size},
		mode: mode,
	}
	if err := b.ioctl(uffdioWriteprotect, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("UFFDIO_WRITEPROTECT [%#x, %#x) mode %#x: %w", addr, uint64(addr)+size, mode, err)
	}
	return nil
}

// Close implements memtrack.Backend.Close, stopping the polling goroutine
// and closing the descriptor.
func (b *UffdBackend) Close() error {
	if b.started {
		if err := b.stop.Notify(); err != nil {
			return err
		}
		b.wg.Wait()
		b.stop.Close()
		b.started = false
	}
	return unix.Close(b.fd)
}
