// Package engine drives one HID-IO device connection: it moves transport
// chunks into the protocol core's byte queues, runs the dispatcher, and
// writes the serialized responses back to the transport.
//
// The protocol core is strictly single-threaded; the engine owns the only
// goroutine that touches the queues and the dispatcher. A separate reader
// goroutine blocks on the transport and hands chunks over a channel, so
// the single-producer/single-consumer queue contract holds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hid-io/gohidio/internal/hidio"
	hidiometrics "github.com/hid-io/gohidio/internal/metrics"
	"github.com/hid-io/gohidio/internal/transport"
)

// directions used for queue depth metrics.
const (
	directionRx = "rx"
	directionTx = "tx"
)

// Engine owns one device connection.
type Engine struct {
	log       *slog.Logger
	collector *hidiometrics.Collector

	device string
	tr     transport.Transport
	disp   *hidio.Dispatcher

	// continuationTimeout resets an in-progress reassembly that has seen
	// no chunk for this long. Zero disables the timeout.
	continuationTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's structured logger. The device label is
// attached to every record.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithCollector wires the Prometheus collector into the engine and its
// dispatcher.
func WithCollector(c *hidiometrics.Collector) Option {
	return func(e *Engine) {
		e.collector = c
	}
}

// WithContinuationTimeout sets the reassembly idle timeout.
func WithContinuationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.continuationTimeout = d
	}
}

// New creates an Engine for one device. The dispatcher is built around
// the given handler with the transport's MTU; dispatcherOpts may override
// queue depths and capacities.
func New(device string, tr transport.Transport, handler hidio.Handler, opts []Option, dispatcherOpts ...hidio.DispatcherOption) *Engine {
	e := &Engine{
		log:    slog.Default(),
		device: device,
		tr:     tr,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("device", device))

	dopts := []hidio.DispatcherOption{
		hidio.WithMTU(tr.MTU()),
		hidio.WithLogger(e.log),
	}
	if e.collector != nil {
		dopts = append(dopts, hidio.WithMetrics(e.collector.ForDevice(device)))
	}
	dopts = append(dopts, dispatcherOpts...)

	e.disp = hidio.NewDispatcher(handler, dopts...)
	return e
}

// Dispatcher returns the engine's protocol dispatcher. Exposed so the
// owner can send requests on the device's behalf from the engine's
// execution context before Run starts.
func (e *Engine) Dispatcher() *hidio.Dispatcher {
	return e.disp
}

// Run drives the connection until ctx is cancelled or the transport
// fails. On connect a Sync packet is emitted so both sides start from a
// clean reassembly state.
func (e *Engine) Run(ctx context.Context) error {
	if e.collector != nil {
		e.collector.RegisterDevice()
		defer e.collector.UnregisterDevice()
	}

	e.log.Info("device engine starting",
		slog.Int("mtu", e.tr.MTU()),
	)

	if err := e.sendSync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Reader goroutine: the only goroutine blocking on the transport.
	chunks := make(chan []byte)
	g.Go(func() error {
		defer close(chunks)
		return e.readLoop(gCtx, chunks)
	})

	// Core loop: the only goroutine touching queues and dispatcher.
	g.Go(func() error {
		return e.coreLoop(gCtx, chunks)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("device engine stopped",
			slog.String("error", err.Error()),
		)
		return err
	}

	e.log.Info("device engine stopped")
	return nil
}

// sendSync serializes a Sync packet straight to the transport.
func (e *Engine) sendSync(ctx context.Context) error {
	buf := hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeSync,
		MaxLen: uint32(e.tr.MTU()),
		Done:   true,
	}

	var scratch [hidio.SyncSize]byte
	stream, err := buf.SerializeTo(scratch[:])
	if err != nil {
		return fmt.Errorf("serialize sync: %w", err)
	}
	return e.tr.WriteChunk(ctx, stream)
}

// readLoop moves transport chunks onto the chunks channel until the
// context is cancelled or the transport closes.
func (e *Engine) readLoop(ctx context.Context, chunks chan<- []byte) error {
	for {
		chunk, err := e.tr.ReadChunk(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("read chunk: %w", err)
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return nil
		}
	}
}

// coreLoop is the single execution context driving the protocol core.
func (e *Engine) coreLoop(ctx context.Context, chunks <-chan []byte) error {
	var timeout *time.Timer
	var timeoutC <-chan time.Time
	if e.continuationTimeout > 0 {
		timeout = time.NewTimer(e.continuationTimeout)
		timeout.Stop()
		defer timeout.Stop()
		timeoutC = timeout.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timeoutC:
			// No continuation chunk arrived in time; throw away the
			// partial reassembly so the next first chunk starts clean.
			rxBuf := e.disp.RxBuffer()
			if len(rxBuf.Data) > 0 && !rxBuf.Done {
				e.log.Warn("continuation timeout, clearing reassembly buffer",
					slog.String("id", rxBuf.ID.String()),
					slog.Int("partial_bytes", len(rxBuf.Data)),
				)
				rxBuf.Clear()
			}

		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}

			if err := e.disp.RxQueue().Enqueue(chunk); err != nil {
				// Bounded memory: overflow drops the chunk, never blocks.
				e.log.Warn("rx queue full, dropping chunk")
				if e.collector != nil {
					e.collector.ForDevice(e.device).IncChunksDropped()
				}
			}

			if err := e.process(ctx); err != nil {
				return err
			}

			e.armContinuationTimer(timeout)
		}
	}
}

// process drains the rx queue through the dispatcher and flushes the tx
// queue to the transport.
func (e *Engine) process(ctx context.Context) error {
	completed, err := e.disp.ProcessRx(0)
	if err != nil {
		// Dispatch-level errors are non-fatal: log and keep the link up.
		var decodeTarget *hidio.InvalidCommandIDError
		switch {
		case errors.As(err, &decodeTarget):
			e.log.Warn("dropping message with unknown command id",
				slog.String("error", err.Error()),
			)
		default:
			e.log.Warn("rx processing error",
				slog.String("error", err.Error()),
			)
		}
	}
	if completed > 0 {
		e.log.Debug("messages processed",
			slog.Int("count", completed),
		)
	}

	if err := e.flushTx(ctx); err != nil {
		return err
	}

	if e.collector != nil {
		e.collector.SetQueueDepth(e.device, directionRx, e.disp.RxQueue().Len())
		e.collector.SetQueueDepth(e.device, directionTx, e.disp.TxQueue().Len())
	}
	return nil
}

// flushTx writes every queued outbound chunk to the transport.
func (e *Engine) flushTx(ctx context.Context) error {
	for {
		chunk, ok := e.disp.TxQueue().Dequeue()
		if !ok {
			return nil
		}
		if err := e.tr.WriteChunk(ctx, chunk); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("write chunk: %w", err)
		}
	}
}

// armContinuationTimer restarts the reassembly idle timer while a message
// is in progress, and stops it otherwise.
func (e *Engine) armContinuationTimer(timeout *time.Timer) {
	if timeout == nil {
		return
	}

	rxBuf := e.disp.RxBuffer()
	inProgress := len(rxBuf.Data) > 0 && !rxBuf.Done

	if !timeout.Stop() {
		select {
		case <-timeout.C:
		default:
		}
	}
	if inProgress {
		timeout.Reset(e.continuationTimeout)
	}
}
