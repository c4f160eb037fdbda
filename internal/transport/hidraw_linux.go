//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Hidraw — Linux hidraw device transport
// -------------------------------------------------------------------------

// readPollInterval bounds how long a blocked ReadChunk waits before
// rechecking context cancellation. hidraw file descriptors are pollable,
// so the deadline-based loop costs nothing while reports flow.
const readPollInterval = 250 * time.Millisecond

// DeviceInfo identifies an open hidraw device.
type DeviceInfo struct {
	// Name is the kernel-reported device name string.
	Name string

	// BusType is the transport bus (USB, Bluetooth, I2C, ...).
	BusType uint32

	// Vendor is the USB vendor id.
	Vendor uint16

	// Product is the USB product id.
	Product uint16
}

// Hidraw is a Transport over a Linux /dev/hidrawN node. One read or write
// corresponds to one HID interrupt transfer.
type Hidraw struct {
	f    *os.File
	info DeviceInfo

	mtu      int
	reportID byte
	numbered bool

	closeOnce sync.Once
	closed    chan struct{}

	// writeMu serializes writes; reads are exclusively owned by the
	// engine's reader goroutine.
	writeMu sync.Mutex
}

// HidrawOption configures an opened hidraw transport.
type HidrawOption func(*Hidraw)

// WithNumberedReports marks the device as using numbered HID reports with
// the given report id. The id byte is stripped on read and prepended on
// write, so the core always sees the HID-IO header byte first.
func WithNumberedReports(reportID byte) HidrawOption {
	return func(h *Hidraw) {
		h.numbered = true
		h.reportID = reportID
	}
}

// OpenHidraw opens a hidraw device node for HID-IO chunk I/O with the
// given MTU.
func OpenHidraw(path string, mtu int, opts ...HidrawOption) (*Hidraw, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open hidraw %s: %w", path, err)
	}

	h := &Hidraw{
		f:      f,
		mtu:    mtu,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.readInfo(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("query hidraw %s: %w", path, err)
	}

	return h, nil
}

// Info returns the kernel-reported device identity.
func (h *Hidraw) Info() DeviceInfo {
	return h.info
}

// MTU returns the chunk size in bytes.
func (h *Hidraw) MTU() int {
	return h.mtu
}

// ReadChunk blocks until one report arrives, the transport is closed, or
// ctx is done. The HID report id prefix is stripped for numbered-report
// devices.
func (h *Hidraw) ReadChunk(ctx context.Context) ([]byte, error) {
	size := h.mtu
	if h.numbered {
		size++
	}
	buf := make([]byte, size)

	for {
		select {
		case <-h.closed:
			return nil, ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := h.f.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}

		n, err := h.f.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return nil, ErrTransportClosed
			}
			return nil, fmt.Errorf("read hidraw report: %w", err)
		}

		chunk := buf[:n]
		if h.numbered && len(chunk) > 0 {
			chunk = chunk[1:]
		}

		// Reports are padded to the full MTU so the codec always sees a
		// fixed-size chunk.
		out := make([]byte, h.mtu)
		copy(out, chunk)
		return out, nil
	}
}

// WriteChunk writes one report, padding the chunk to the MTU and
// prepending the report id for numbered-report devices.
func (h *Hidraw) WriteChunk(ctx context.Context, chunk []byte) error {
	if len(chunk) > h.mtu {
		return fmt.Errorf("write %d bytes: %w", len(chunk), ErrChunkTooLarge)
	}

	select {
	case <-h.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	size := h.mtu
	offset := 0
	if h.numbered {
		size++
		offset = 1
	}
	buf := make([]byte, size)
	if h.numbered {
		buf[0] = h.reportID
	}
	copy(buf[offset:], chunk)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.f.Write(buf); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("write hidraw report: %w", err)
	}
	return nil
}

// Close releases the device node. A blocked ReadChunk returns
// ErrTransportClosed at its next poll.
func (h *Hidraw) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.f.Close()
	})
	return err
}

// -------------------------------------------------------------------------
// Device identity ioctls
// -------------------------------------------------------------------------

// hidrawDevInfo mirrors struct hidraw_devinfo from linux/hidraw.h.
type hidrawDevInfo struct {
	busType uint32
	vendor  int16
	product int16
}

// hidrawNameLen bounds the HIDIOCGRAWNAME string buffer.
const hidrawNameLen = 256

// readInfo populates h.info via the HIDIOCGRAWINFO and HIDIOCGRAWNAME
// ioctls.
func (h *Hidraw) readInfo() error {
	fd := int(h.f.Fd())

	var di hidrawDevInfo
	req := hidIOC(iocRead, 'H', 0x03, unsafe.Sizeof(di)) // HIDIOCGRAWINFO
	if err := ioctlPtr(fd, req, unsafe.Pointer(&di)); err != nil {
		return fmt.Errorf("HIDIOCGRAWINFO: %w", err)
	}

	name := make([]byte, hidrawNameLen)
	req = hidIOC(iocRead, 'H', 0x04, uintptr(len(name))) // HIDIOCGRAWNAME(len)
	if err := ioctlPtr(fd, req, unsafe.Pointer(&name[0])); err != nil {
		return fmt.Errorf("HIDIOCGRAWNAME: %w", err)
	}

	h.info = DeviceInfo{
		Name:    strings.TrimRight(string(name), "\x00"),
		BusType: di.busType,
		Vendor:  uint16(di.vendor),
		Product: uint16(di.product),
	}
	return nil
}

// ioctlPtr issues an ioctl with a pointer argument.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ---- Linux _IOC helpers (arch-independent) ----

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocRead = 2
)

// hidIOC assembles a hidraw ioctl request number.
func hidIOC(dir, typ, nr uint, size uintptr) uintptr {
	return uintptr(dir)<<iocDirShift |
		uintptr(typ)<<iocTypeShift |
		uintptr(nr)<<iocNrShift |
		size<<iocSizeShift
}
