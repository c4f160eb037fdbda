package hidio

import (
	"errors"
	"fmt"
	"log/slog"
)

// -------------------------------------------------------------------------
// Command Errors
// -------------------------------------------------------------------------

// Sentinel errors for dispatch failures.
var (
	// ErrIDVecTooSmall indicates a supported-id list exceeded its bound.
	ErrIDVecTooSmall = errors.New("id vector too small")

	// ErrTxBufferSendFailed indicates the outbound byte queue rejected a
	// serialized chunk.
	ErrTxBufferSendFailed = errors.New("tx buffer send failed")
)

// IDNotImplementedError indicates a supported id with no handler body.
type IDNotImplementedError struct {
	// ID is the command id that has no implementation.
	ID CommandID
}

func (e *IDNotImplementedError) Error() string {
	return fmt.Sprintf("command id %s not implemented", e.ID)
}

// IDNotSupportedError indicates an inbound message whose id is not in the
// locally supported set. The peer receives an empty Nak.
type IDNotSupportedError struct {
	// ID is the unsupported command id.
	ID CommandID
}

func (e *IDNotSupportedError) Error() string {
	return fmt.Sprintf("command id %s not supported", e.ID)
}

// InvalidRxMessageError indicates a completed message whose packet type
// cannot be dispatched (only Data, NaData, Ack and Nak are dispatchable).
type InvalidRxMessageError struct {
	// Ptype is the offending packet type.
	Ptype PacketType
}

func (e *InvalidRxMessageError) Error() string {
	return fmt.Sprintf("invalid rx message type %s", e.Ptype)
}

// NakError is returned by a request handler to refuse a command. The
// dispatcher answers with a Nak carrying Data as its payload (empty when
// Data is nil).
type NakError struct {
	// Data is the optional Nak payload.
	Data []byte
}

func (e *NakError) Error() string {
	return fmt.Sprintf("command refused with %d byte nak payload", len(e.Data))
}

// -------------------------------------------------------------------------
// MetricsReporter — optional protocol counters
// -------------------------------------------------------------------------

// MetricsReporter receives protocol-level events from the dispatcher.
// Implemented by the prometheus collector; a no-op implementation is used
// when metrics are not wired in.
type MetricsReporter interface {
	// IncChunksReceived counts one chunk dequeued from the rx queue.
	IncChunksReceived()

	// IncChunksDropped counts one malformed or overflowed chunk dropped.
	IncChunksDropped()

	// IncDecodeErrors counts one chunk decode failure.
	IncDecodeErrors()

	// IncMessagesCompleted counts one fully reassembled inbound message.
	IncMessagesCompleted(ptype string)

	// IncPacketsSent counts one outbound logical packet.
	IncPacketsSent(ptype string)

	// IncNaksSent counts one outbound negative acknowledgement.
	IncNaksSent()
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncChunksReceived()          {}
func (noopMetrics) IncChunksDropped()           {}
func (noopMetrics) IncDecodeErrors()            {}
func (noopMetrics) IncMessagesCompleted(string) {}
func (noopMetrics) IncPacketsSent(string)       {}
func (noopMetrics) IncNaksSent()                {}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// defaultMaxIDs bounds the supported-id list decoded from a SupportedIDs
// ack. Overlong lists are truncated silently, a wire-observable behavior
// the peer opted into by advertising more ids than the host configured.
const defaultMaxIDs = 64

// Dispatcher drains the inbound byte queue, reassembles chunks into
// logical messages, matches each completed message to a command handler,
// and enqueues the serialized response on the outbound byte queue.
//
// The dispatcher is strictly single-threaded: one owner drives ProcessRx
// and SendBuffer from a single execution context. The byte queues are the
// only state shared with the transport, under a single-producer /
// single-consumer contract.
type Dispatcher struct {
	log     *slog.Logger
	metrics MetricsReporter
	handler Handler

	rx    *Queue
	tx    *Queue
	rxBuf *PacketBuffer

	mtu    int
	maxIDs int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's structured logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics sets the dispatcher's metrics reporter.
func WithMetrics(mr MetricsReporter) DispatcherOption {
	return func(d *Dispatcher) {
		if mr != nil {
			d.metrics = mr
		}
	}
}

// WithMTU sets the transport chunk capacity used for emission.
// Must be one of ValidChunkSizes; other values are ignored.
func WithMTU(mtu int) DispatcherOption {
	return func(d *Dispatcher) {
		for _, n := range ValidChunkSizes {
			if mtu == n {
				d.mtu = mtu
				return
			}
		}
	}
}

// WithQueueDepths sets the rx and tx byte queue depths.
func WithQueueDepths(rxDepth, txDepth int) DispatcherOption {
	return func(d *Dispatcher) {
		d.rx = NewQueue(rxDepth)
		d.tx = NewQueue(txDepth)
	}
}

// WithPayloadCapacity bounds the reassembly buffer payload. Messages
// exceeding the bound fail to decode with PayloadAppendError and the peer
// receives a Nak.
func WithPayloadCapacity(capacity int) DispatcherOption {
	return func(d *Dispatcher) {
		d.rxBuf = NewPacketBuffer(capacity)
	}
}

// WithMaxIDs bounds the id list decoded from a SupportedIDs ack.
func WithMaxIDs(maxIDs int) DispatcherOption {
	return func(d *Dispatcher) {
		if maxIDs > 0 {
			d.maxIDs = maxIDs
		}
	}
}

// NewDispatcher creates a Dispatcher for the given handler.
// Defaults: 64-byte MTU, queue depths of 8, unbounded reassembly buffer,
// no-op metrics, slog default logger.
func NewDispatcher(handler Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:     slog.Default(),
		metrics: noopMetrics{},
		handler: handler,
		rx:      NewQueue(8),
		tx:      NewQueue(8),
		rxBuf:   NewPacketBuffer(0),
		mtu:     DefaultMaxLen,
		maxIDs:  defaultMaxIDs,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.rxBuf.MaxLen = uint32(d.mtu)
	return d
}

// RxQueue returns the inbound byte queue. The transport enqueues received
// chunks here.
func (d *Dispatcher) RxQueue() *Queue {
	return d.rx
}

// TxQueue returns the outbound byte queue. The transport dequeues chunks
// to write here.
func (d *Dispatcher) TxQueue() *Queue {
	return d.tx
}

// RxBuffer returns the in-progress reassembly buffer. A higher layer may
// call Clear on it to enforce a continuation timeout; the core itself has
// no timer.
func (d *Dispatcher) RxBuffer() *PacketBuffer {
	return d.rxBuf
}

// MTU returns the transport chunk capacity used for emission.
func (d *Dispatcher) MTU() int {
	return d.mtu
}

// -------------------------------------------------------------------------
// ProcessRx — drain the inbound queue
// -------------------------------------------------------------------------

// ProcessRx drains up to limit chunks from the rx queue, feeding each to
// the codec. A limit of zero drains until the queue is empty. Each time
// the codec reports a completed message the dispatcher invokes the
// matching handler, emits the response, and clears the reassembly buffer.
//
// Returns the number of messages completed in this call, so the caller
// can tell whether the link is idle. Decode errors abort the drain and
// are returned; dispatch errors (unsupported id, unimplemented id,
// invalid packet type) are non-fatal -- the drain continues and the first
// such error is returned alongside the completed count.
func (d *Dispatcher) ProcessRx(limit int) (int, error) {
	completed := 0
	chunks := 0
	var dispatchErr error

	for limit == 0 || chunks < limit {
		chunk, ok := d.rx.Dequeue()
		if !ok {
			break
		}
		chunks++
		d.metrics.IncChunksReceived()

		before := len(d.rxBuf.Data)
		if _, err := d.rxBuf.DecodePacket(chunk); err != nil {
			d.metrics.IncDecodeErrors()
			d.log.Error("chunk decode failed",
				slog.String("error", err.Error()),
			)

			// A message too large for the reassembly buffer is answered
			// with a Nak so the peer stops sending continuations.
			var appendErr *PayloadAppendError
			if errors.As(err, &appendErr) {
				if nakErr := d.EmptyNak(); nakErr != nil {
					d.log.Warn("failed to nak oversized message",
						slog.String("error", nakErr.Error()),
					)
				}
				d.rxBuf.Reset()
			}
			return completed, fmt.Errorf("process rx: %w", err)
		}
		if len(d.rxBuf.Data) == before && !d.rxBuf.Done {
			// Chunk was dropped by the codec (diagnostic already logged).
			d.metrics.IncChunksDropped()
		}

		if !d.rxBuf.Done {
			continue
		}

		completed++
		d.metrics.IncMessagesCompleted(d.rxBuf.Ptype.String())

		switch d.rxBuf.Ptype {
		case PacketTypeSync:
			// Link resync: throw away any partial reassembly state.
			d.log.Debug("sync received, resetting buffer")
		case PacketTypeNak:
			d.log.Warn("nak received",
				slog.String("id", d.rxBuf.ID.String()),
			)
			if err := d.rxMessageHandling(); err != nil && dispatchErr == nil {
				dispatchErr = err
			}
		default:
			if err := d.rxMessageHandling(); err != nil && dispatchErr == nil {
				dispatchErr = err
			}
		}

		d.rxBuf.Reset()
	}

	return completed, dispatchErr
}

// -------------------------------------------------------------------------
// Emission
// -------------------------------------------------------------------------

// SendBuffer serializes buf into scratch and enqueues the result on the
// tx queue, one transport chunk per queue entry. scratch must hold
// buf.SerializedLen() bytes.
func (d *Dispatcher) SendBuffer(buf *PacketBuffer, scratch []byte) error {
	stream, err := buf.SerializeTo(scratch)
	if err != nil {
		return fmt.Errorf("serialize buffer: %w", err)
	}

	// Split the serialized stream back on MTU boundaries: each chunk
	// declares its own length, so walk the headers.
	for len(stream) > 0 {
		clen, err := chunkWireLen(stream)
		if err != nil {
			return fmt.Errorf("split serialized stream: %w", err)
		}

		chunk := make([]byte, clen)
		copy(chunk, stream[:clen])
		if err := d.tx.Enqueue(chunk); err != nil {
			return fmt.Errorf("%w: %w", ErrTxBufferSendFailed, err)
		}
		stream = stream[clen:]
	}

	d.metrics.IncPacketsSent(buf.Ptype.String())
	return nil
}

// chunkWireLen returns the on-wire size of the chunk at the head of a
// serialized stream: one byte for Sync, 2 + payload length otherwise.
func chunkWireLen(stream []byte) (int, error) {
	ptype, err := ChunkPacketType(stream)
	if err != nil {
		return 0, err
	}
	if ptype == PacketTypeSync {
		return SyncSize, nil
	}

	payloadLen, err := ChunkPayloadLen(stream)
	if err != nil {
		return 0, err
	}
	return HeaderSize + int(payloadLen), nil
}

// emptyReplyScratch is the scratch size for zero-payload replies:
// 2 header bytes plus up to 4 id bytes.
const emptyReplyScratch = HeaderSize + 4

// EmptyAck enqueues a zero-payload Ack carrying the in-progress buffer's
// id.
func (d *Dispatcher) EmptyAck() error {
	return d.emptyReply(PacketTypeAck)
}

// EmptyNak enqueues a zero-payload Nak carrying the in-progress buffer's
// id.
func (d *Dispatcher) EmptyNak() error {
	if err := d.emptyReply(PacketTypeNak); err != nil {
		return err
	}
	d.metrics.IncNaksSent()
	return nil
}

// emptyReply builds and sends a zero-payload packet answering the current
// rx buffer.
func (d *Dispatcher) emptyReply(ptype PacketType) error {
	buf := PacketBuffer{
		Ptype:  ptype,
		ID:     d.rxBuf.ID,
		MaxLen: uint32(d.mtu),
		Done:   true,
	}

	var scratch [emptyReplyScratch]byte
	return d.SendBuffer(&buf, scratch[:])
}

// reply serializes a response packet with the given type, id and payload.
func (d *Dispatcher) reply(ptype PacketType, id CommandID, payload []byte) error {
	buf := PacketBuffer{
		Ptype:  ptype,
		ID:     id,
		MaxLen: uint32(d.mtu),
		Data:   payload,
		Done:   true,
	}

	scratch := make([]byte, buf.SerializedLen())
	if err := d.SendBuffer(&buf, scratch); err != nil {
		return err
	}
	if ptype == PacketTypeNak {
		d.metrics.IncNaksSent()
	}
	return nil
}

// -------------------------------------------------------------------------
// Message dispatch
// -------------------------------------------------------------------------

// rxMessageHandling matches a completed inbound message to its command
// handler.
//
// Dispatch rules:
//  1. An id outside the locally supported set is answered with an empty
//     Nak (for Data requests only) and reported as IDNotSupportedError.
//  2. A packet type outside {Data, NaData, Ack, Nak} is reported as
//     InvalidRxMessageError.
//  3. (id, Data|NaData) invokes the request handler; (id, Ack) the ack
//     handler; (id, Nak) the nak handler.
func (d *Dispatcher) rxMessageHandling() error {
	buf := d.rxBuf

	if !d.handler.SupportedID(buf.ID) {
		if buf.Ptype == PacketTypeData {
			if err := d.EmptyNak(); err != nil {
				return fmt.Errorf("nak unsupported id %s: %w", buf.ID, err)
			}
		}
		return &IDNotSupportedError{ID: buf.ID}
	}

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData, PacketTypeAck, PacketTypeNak:
	default:
		return &InvalidRxMessageError{Ptype: buf.Ptype}
	}

	switch buf.ID {
	case CommandSupportedIDs:
		return d.handleSupportedIDs()
	case CommandGetInfo:
		return d.handleGetInfo()
	case CommandTestPacket:
		return d.handleTestPacket()
	case CommandResetHidIo:
		return d.handleResetHidIo()
	case CommandUnicodeText:
		return d.handleUnicodeText()
	case CommandUnicodeState:
		return d.handleUnicodeState()
	case CommandSleepMode:
		return d.handleSleepMode()
	case CommandOpenURL:
		return d.handleOpenURL()
	case CommandTerminalOut:
		return d.handleTerminalOut()
	case CommandManufacturingTest:
		return d.handleManufacturingTest()
	default:
		return &IDNotImplementedError{ID: buf.ID}
	}
}

// respond emits the ack or nak for a request according to the handler
// outcome. A handler refusal that is successfully answered with a Nak is
// normal protocol flow, not a dispatch error. NaData requests suppress
// both ack and nak emission.
func (d *Dispatcher) respond(ackPayload []byte, handlerErr error) error {
	if d.rxBuf.Ptype == PacketTypeNaData {
		return nil
	}

	if handlerErr != nil {
		var nak *NakError
		if errors.As(handlerErr, &nak) && len(nak.Data) > 0 {
			return d.reply(PacketTypeNak, d.rxBuf.ID, nak.Data)
		}
		return d.EmptyNak()
	}

	if len(ackPayload) == 0 {
		return d.EmptyAck()
	}
	return d.reply(PacketTypeAck, d.rxBuf.ID, ackPayload)
}
