// Package transport provides the HID transport seam for the protocol
// core: fixed-size chunk I/O over Linux hidraw device nodes, plus an
// in-memory pipe used for loopback testing.
//
// The protocol core consumes and produces opaque byte chunks; everything
// HID-specific (report sizes, report id prefixes, device identity) stays
// behind the Transport interface.
package transport

import (
	"context"
	"errors"
)

// Transport moves fixed-size chunks between the protocol core and one HID
// interface. Each chunk corresponds to one HID report of exactly MTU
// bytes; shorter logical packets are padded by the caller or the device.
//
// Implementations strip any HID report-id prefix on read and prepend it
// on write, so the first byte of every chunk seen by the core is the
// HID-IO header byte.
type Transport interface {
	// ReadChunk blocks until one report arrives or ctx is done.
	// The returned slice is owned by the caller and MTU bytes long.
	ReadChunk(ctx context.Context) ([]byte, error)

	// WriteChunk writes one report. Chunks shorter than MTU are padded
	// with zero bytes before transmission.
	WriteChunk(ctx context.Context, chunk []byte) error

	// MTU returns the chunk size in bytes.
	MTU() int

	// Close releases the underlying device. Blocked reads return
	// ErrTransportClosed.
	Close() error
}

// Transport errors.
var (
	// ErrTransportClosed indicates I/O on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrChunkTooLarge indicates a write larger than the transport MTU.
	ErrChunkTooLarge = errors.New("chunk exceeds transport MTU")
)
