package hidio

import (
	"fmt"
	"log/slog"
)

// -------------------------------------------------------------------------
// PacketBuffer — chunking / reassembly record
// -------------------------------------------------------------------------

// PacketBuffer holds one logical HID-IO message. On receive it is the
// reassembly record that chunks are folded into; on transmit it is the
// message that SerializeTo splits into transport chunks.
//
// While Done is false, Ptype and ID are those of the first chunk and never
// change; continuation chunks only append payload. Done flips to true when
// a chunk arrives with the continuation flag clear.
type PacketBuffer struct {
	// Ptype is the packet type. Continuation types are inserted
	// automatically during serialization and never stored here by decode.
	Ptype PacketType

	// ID is the command id carried by every chunk of the message.
	ID CommandID

	// MaxLen is the transport chunk capacity in bytes. Only used during
	// emission; the decoder cannot recover it from the byte stream.
	MaxLen uint32

	// Data is the payload, excluding headers and id bytes.
	Data []byte

	// Done is false while more continuation chunks are awaited.
	Done bool

	// capacity bounds len(Data). Zero means unbounded (host side).
	// The device-side contract requires a bound so that oversized messages
	// fail with PayloadAppendError instead of growing without limit.
	capacity int
}

// NewPacketBuffer returns an empty PacketBuffer with the given payload
// capacity. A capacity of zero disables the bound.
func NewPacketBuffer(capacity int) *PacketBuffer {
	return &PacketBuffer{
		Ptype:    PacketTypeData,
		MaxLen:   DefaultMaxLen,
		capacity: capacity,
	}
}

// Capacity returns the payload capacity bound, zero if unbounded.
func (b *PacketBuffer) Capacity() int {
	return b.capacity
}

// Clear resets the completion flag and drops the payload. Ptype, ID and
// MaxLen are left untouched; the next first chunk overwrites them.
// Calling Clear on an already-clear buffer is a no-op.
func (b *PacketBuffer) Clear() {
	b.Done = false
	b.Data = b.Data[:0]
}

// Reset fully reinitializes the buffer to its post-construction state.
func (b *PacketBuffer) Reset() {
	b.Ptype = PacketTypeData
	b.ID = 0
	b.Done = false
	b.Data = b.Data[:0]
}

// AppendPayload appends payload bytes, enforcing the capacity bound.
// Returns PayloadAppendError when the bound would be exceeded. When the
// buffer is already complete the payload is refused with a diagnostic
// and nil is returned.
func (b *PacketBuffer) AppendPayload(p []byte) error {
	if b.Done {
		slog.Warn("packet buffer is already done, refusing payload append")
		return nil
	}
	return b.append(p)
}

// append grows Data by p, enforcing the capacity bound.
func (b *PacketBuffer) append(p []byte) error {
	if b.capacity > 0 && len(b.Data)+len(p) > b.capacity {
		return &PayloadAppendError{Bytes: len(p)}
	}
	b.Data = append(b.Data, p...)
	return nil
}

// idWidth returns the id_width header bit value for the buffer's id:
// 0 for ids that fit in 16 bits, 1 otherwise.
func (b *PacketBuffer) idWidth() uint8 {
	if uint32(b.ID) <= 0xFFFF {
		return 0
	}
	return 1
}

// idWidthLen returns the id field size in bytes (2 or 4).
func (b *PacketBuffer) idWidthLen() int {
	if b.idWidth() == 0 {
		return 2
	}
	return 4
}

// hdrLen returns the per-chunk overhead: two header bytes plus the id.
func (b *PacketBuffer) hdrLen() int {
	return HeaderSize + b.idWidthLen()
}

// chunkPayload returns the payload bytes each chunk can carry.
func (b *PacketBuffer) chunkPayload() int {
	return int(b.MaxLen) - b.hdrLen()
}

// SerializedLen returns the exact on-wire size of the buffer in bytes:
// the sum of every chunk the current field values serialize to. Returns
// zero when MaxLen leaves no room for payload after the header and id.
func (b *PacketBuffer) SerializedLen() int {
	if b.Ptype == PacketTypeSync {
		return SyncSize
	}

	hdr := b.hdrLen()
	payload := b.chunkPayload()
	if payload <= 0 {
		return 0
	}

	dataLen := len(b.Data)
	full := (dataLen / payload) * (payload + hdr)
	partial := 0
	if rem := dataLen % payload; rem > 0 || dataLen == 0 {
		partial = rem + hdr
	}
	return full + partial
}

// -------------------------------------------------------------------------
// DecodePacket — fold one chunk into the buffer
// -------------------------------------------------------------------------

// DecodePacket folds one transport chunk into the buffer and returns the
// number of chunk bytes consumed.
//
// The first chunk of a message sets Ptype and ID; continuation chunks only
// append payload. Malformed chunks that can be attributed to a peer bug
// are dropped with a diagnostic and a nil error (the link continues):
// declared payload longer than the chunk, a continuation chunk on an empty
// buffer, a non-continuation chunk on a non-empty buffer, or a
// continuation id differing from the stored id. Structural failures
// (truncated header, unknown type or id, capacity overflow) return an
// error and consume nothing.
//
// A Sync chunk completes immediately: Ptype=Sync, Done=true, one byte
// consumed.
func (b *PacketBuffer) DecodePacket(chunk []byte) (int, error) {
	if b.Done {
		slog.Warn("packet buffer is already done, ignoring chunk")
		return 0, nil
	}

	ptype, err := ChunkPacketType(chunk)
	if err != nil {
		return 0, err
	}

	if ptype == PacketTypeSync {
		b.Ptype = ptype
		b.Done = true
		return SyncSize, nil
	}

	payloadLen, err := ChunkPayloadLen(chunk)
	if err != nil {
		return 0, err
	}
	packetLen := int(payloadLen) + HeaderSize

	// Drop chunks whose declared payload exceeds the bytes present.
	if len(chunk)-HeaderSize < int(payloadLen) {
		slog.Warn("dropping chunk: not enough bytes for declared payload",
			slog.Int("have", len(chunk)-HeaderSize),
			slog.Int("declared", int(payloadLen)),
		)
		return len(chunk), nil
	}

	rawID, err := ChunkPacketID(chunk)
	if err != nil {
		return 0, err
	}
	id, err := CommandIDFromU32(rawID)
	if err != nil {
		slog.Error("failed to convert command id",
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	if len(b.Data) == 0 && !ptype.continuation() {
		// First chunk of a fresh message.
		b.Ptype = ptype
		b.ID = id
	} else {
		// Continuation chunks must land on an in-progress buffer, and
		// non-continuation chunks must not.
		if len(b.Data) == 0 && ptype.continuation() {
			slog.Warn("dropping chunk: continuation chunk on empty buffer",
				slog.String("ptype", ptype.String()),
			)
			return packetLen, nil
		}
		if len(b.Data) != 0 && !ptype.continuation() {
			slog.Warn("dropping chunk: non-continuation chunk on in-progress buffer",
				slog.String("ptype", ptype.String()),
			)
			return packetLen, nil
		}

		if b.ID != id {
			slog.Warn("dropping chunk: continuation id mismatch",
				slog.String("got", id.String()),
				slog.String("expected", b.ID.String()),
			)
			return packetLen, nil
		}
	}

	payloadStart, err := ChunkPayloadStart(chunk)
	if err != nil {
		return 0, err
	}

	idWidth, err := ChunkIDWidth(chunk)
	if err != nil {
		return 0, err
	}

	cont, err := ChunkContinued(chunk)
	if err != nil {
		return 0, err
	}
	b.Done = !cont

	payload := chunk[payloadStart : payloadStart+int(payloadLen)-idWidth]
	if err := b.append(payload); err != nil {
		return 0, err
	}

	return packetLen, nil
}

// -------------------------------------------------------------------------
// SerializeTo — emit the full chunk stream
// -------------------------------------------------------------------------

// SerializeTo writes the buffer's complete chunk stream into scratch and
// returns the written prefix. Headers are written directly; a Sync buffer
// serializes to the single byte 0x60.
//
// Chunking: each chunk carries MaxLen - hdr payload bytes where
// hdr = 2 + id bytes. The first chunk keeps the buffer's type; subsequent
// chunks are Continued (for Data/Ack/Nak) or NaContinued (for NaData).
// Every chunk except the last sets the continuation flag, and every chunk
// repeats the id. A zero-payload buffer still emits one chunk.
//
// The scratch buffer must hold SerializedLen() bytes; otherwise
// SerializationTooSmallError is returned with nothing written.
func (b *PacketBuffer) SerializeTo(scratch []byte) ([]byte, error) {
	if !b.Done {
		return nil, ErrBufferNotDone
	}

	if b.Ptype == PacketTypeSync {
		if len(scratch) < SyncSize {
			return nil, &SerializationTooSmallError{Got: len(scratch), Need: SyncSize}
		}
		scratch[0] = uint8(PacketTypeSync) << 5
		return scratch[:SyncSize], nil
	}

	need := b.SerializedLen()
	if need == 0 {
		return nil, fmt.Errorf("max_len %d cannot fit header and id: %w",
			b.MaxLen, ErrSerializationError)
	}
	if len(scratch) < need {
		return nil, &SerializationTooSmallError{Got: len(scratch), Need: need}
	}

	idWidth := b.idWidth()
	idLen := b.idWidthLen()
	chunkPayload := b.chunkPayload()

	ptype := b.Ptype
	written := 0
	offset := 0

	for {
		remaining := len(b.Data) - offset
		cont := remaining > chunkPayload

		take := remaining
		if cont {
			take = chunkPayload
		}
		packetLen := take + idLen

		// Header byte: type:3 | cont:1 | id_width:1 | reserved:1 | upper_len:2.
		hdr := uint8(ptype) << 5
		if cont {
			hdr |= 1 << 4
		}
		hdr |= idWidth << 3
		hdr |= uint8(packetLen>>8) & 0x03

		scratch[written] = hdr
		scratch[written+1] = uint8(packetLen)
		written += HeaderSize

		for i := 0; i < idLen; i++ {
			scratch[written+i] = uint8(uint32(b.ID) >> (i * 8))
		}
		written += idLen

		copy(scratch[written:], b.Data[offset:offset+take])
		written += take
		offset += take

		if !cont {
			break
		}

		switch b.Ptype {
		case PacketTypeData, PacketTypeAck, PacketTypeNak:
			ptype = PacketTypeContinued
		case PacketTypeNaData:
			ptype = PacketTypeNaContinued
		default:
			slog.Warn("dropping remainder: packet type cannot continue",
				slog.String("ptype", b.Ptype.String()),
			)
			return scratch[:written], nil
		}
	}

	return scratch[:written], nil
}
