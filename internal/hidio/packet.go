package hidio

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants — HID-IO Packet Format
// -------------------------------------------------------------------------

// HeaderSize is the fixed HID-IO packet header size in bytes: one header
// byte (type/cont/id_width/upper_len) plus one length byte. The id bytes
// that follow are counted as payload by the wire format.
const HeaderSize = 2

// SyncSize is the on-wire size of a Sync packet. Sync is a bare header
// byte with no length, id, or payload.
const SyncSize = 1

// DefaultMaxLen is the default transport chunk capacity in bytes
// (USB 2.0 full-speed HID report).
const DefaultMaxLen = 64

// MaxPayloadLen is the largest value the 10-bit payload length field can
// carry (upper_len:2 || len:8).
const MaxPayloadLen = 0x3FF

// ValidChunkSizes lists the HID report sizes the protocol is carried over.
// The odd sizes account for transports that consume one byte for the HID
// report id.
var ValidChunkSizes = [6]int{7, 8, 63, 64, 1023, 1024}

// unknownFmt is the format string for unrecognized enum values with numeric code.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Packet Types
// -------------------------------------------------------------------------

// PacketType represents the HID-IO packet type. This is a 3-bit field in
// the wire format; the value 7 is reserved.
type PacketType uint8

const (
	// PacketTypeData is a normal request/response data packet.
	PacketTypeData PacketType = 0

	// PacketTypeAck is a positive acknowledgement of a Data packet.
	PacketTypeAck PacketType = 1

	// PacketTypeNak is a negative acknowledgement of a Data packet.
	PacketTypeNak PacketType = 2

	// PacketTypeSync is a link resync marker. Carries no id and no payload.
	PacketTypeSync PacketType = 3

	// PacketTypeContinued is a continuation of a prior Data, Ack or Nak
	// packet that did not fit in one transport chunk.
	PacketTypeContinued PacketType = 4

	// PacketTypeNaData is a data packet for which no acknowledgement is
	// expected or sent.
	PacketTypeNaData PacketType = 5

	// PacketTypeNaContinued is a continuation of a NaData packet.
	PacketTypeNaContinued PacketType = 6
)

// packetTypeNames maps packet type values to human-readable strings.
var packetTypeNames = [7]string{
	"Data",
	"Ack",
	"Nak",
	"Sync",
	"Continued",
	"NaData",
	"NaContinued",
}

// String returns the human-readable name for the packet type.
func (pt PacketType) String() string {
	if int(pt) < len(packetTypeNames) {
		return packetTypeNames[pt]
	}
	return fmt.Sprintf(unknownFmt, uint8(pt))
}

// continuation reports whether the packet type is one of the two
// continuation types.
func (pt PacketType) continuation() bool {
	return pt == PacketTypeContinued || pt == PacketTypeNaContinued
}

// -------------------------------------------------------------------------
// Command Ids
// -------------------------------------------------------------------------

// CommandID names a HID-IO command. Ids are encoded on the wire as 16-bit
// or 32-bit little-endian unsigned integers depending on magnitude; the id
// space itself is 32-bit. The id set is closed: unknown values fail to
// decode with InvalidCommandIDError.
type CommandID uint32

const (
	CommandSupportedIDs CommandID = 0x00
	CommandGetInfo      CommandID = 0x01
	CommandTestPacket   CommandID = 0x02
	CommandResetHidIo   CommandID = 0x03

	CommandGetProperties  CommandID = 0x10
	CommandKeyState       CommandID = 0x11
	CommandKeyboardLayout CommandID = 0x12
	CommandKeyLayout      CommandID = 0x13
	CommandKeyShapes      CommandID = 0x14
	CommandLedLayout      CommandID = 0x15
	CommandFlashMode      CommandID = 0x16
	CommandUnicodeText    CommandID = 0x17
	CommandUnicodeState   CommandID = 0x18
	CommandHostMacro      CommandID = 0x19
	CommandSleepMode      CommandID = 0x1A

	CommandKllState      CommandID = 0x20
	CommandPixelSetting  CommandID = 0x21
	CommandPixelSet1c8b  CommandID = 0x22
	CommandPixelSet3c8b  CommandID = 0x23
	CommandPixelSet1c16b CommandID = 0x24
	CommandPixelSet3c16b CommandID = 0x25

	CommandOpenURL        CommandID = 0x30
	CommandTerminalCmd    CommandID = 0x31
	CommandGetInputLayout CommandID = 0x32
	CommandSetInputLayout CommandID = 0x33
	CommandTerminalOut    CommandID = 0x34

	CommandHidKeyboard     CommandID = 0x40
	CommandHidKeyboardLed  CommandID = 0x41
	CommandHidMouse        CommandID = 0x42
	CommandHidJoystick     CommandID = 0x43
	CommandHidSystemCtrl   CommandID = 0x44
	CommandHidConsumerCtrl CommandID = 0x45

	CommandManufacturingTest   CommandID = 0x50
	CommandManufacturingResult CommandID = 0x51

	// CommandUnused is the reserved placeholder id.
	CommandUnused CommandID = 0xFFFF
)

// commandIDNames maps command ids to human-readable strings.
var commandIDNames = map[CommandID]string{
	CommandSupportedIDs:        "SupportedIDs",
	CommandGetInfo:             "GetInfo",
	CommandTestPacket:          "TestPacket",
	CommandResetHidIo:          "ResetHidIo",
	CommandGetProperties:       "GetProperties",
	CommandKeyState:            "KeyState",
	CommandKeyboardLayout:      "KeyboardLayout",
	CommandKeyLayout:           "KeyLayout",
	CommandKeyShapes:           "KeyShapes",
	CommandLedLayout:           "LedLayout",
	CommandFlashMode:           "FlashMode",
	CommandUnicodeText:         "UnicodeText",
	CommandUnicodeState:        "UnicodeState",
	CommandHostMacro:           "HostMacro",
	CommandSleepMode:           "SleepMode",
	CommandKllState:            "KllState",
	CommandPixelSetting:        "PixelSetting",
	CommandPixelSet1c8b:        "PixelSet1c8b",
	CommandPixelSet3c8b:        "PixelSet3c8b",
	CommandPixelSet1c16b:       "PixelSet1c16b",
	CommandPixelSet3c16b:       "PixelSet3c16b",
	CommandOpenURL:             "OpenUrl",
	CommandTerminalCmd:         "TerminalCmd",
	CommandGetInputLayout:      "GetInputLayout",
	CommandSetInputLayout:      "SetInputLayout",
	CommandTerminalOut:         "TerminalOut",
	CommandHidKeyboard:         "HidKeyboard",
	CommandHidKeyboardLed:      "HidKeyboardLed",
	CommandHidMouse:            "HidMouse",
	CommandHidJoystick:         "HidJoystick",
	CommandHidSystemCtrl:       "HidSystemCtrl",
	CommandHidConsumerCtrl:     "HidConsumerCtrl",
	CommandManufacturingTest:   "ManufacturingTest",
	CommandManufacturingResult: "ManufacturingResult",
	CommandUnused:              "Unused",
}

// String returns the human-readable name for the command id.
func (id CommandID) String() string {
	if name, ok := commandIDNames[id]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint32(id))
}

// CommandIDFromU32 converts a raw 32-bit value to a CommandID.
// Values outside the closed id set return InvalidCommandIDError.
func CommandIDFromU32(v uint32) (CommandID, error) {
	id := CommandID(v)
	if _, ok := commandIDNames[id]; !ok {
		return CommandUnused, &InvalidCommandIDError{Raw: v}
	}
	return id, nil
}

// -------------------------------------------------------------------------
// Parse Errors
// -------------------------------------------------------------------------

// Sentinel errors for chunk decoding and buffer serialization failures.
var (
	// ErrMissingPacketTypeByte indicates an empty chunk: the header byte
	// carrying the packet type is absent.
	ErrMissingPacketTypeByte = errors.New("missing packet type byte")

	// ErrMissingPayloadLengthByte indicates the chunk ends before the
	// payload length byte.
	ErrMissingPayloadLengthByte = errors.New("missing payload length byte")

	// ErrMissingPacketIDWidthByte indicates the chunk ends before the
	// header byte carrying the id width bit.
	ErrMissingPacketIDWidthByte = errors.New("missing packet id width byte")

	// ErrMissingContinuedIDByte indicates the chunk ends before the header
	// byte carrying the continuation bit.
	ErrMissingContinuedIDByte = errors.New("missing continued id byte")

	// ErrSerializationError indicates a generic serialization failure.
	ErrSerializationError = errors.New("serialization error")

	// ErrVecAppendFailed indicates a bounded vector append exceeded capacity.
	ErrVecAppendFailed = errors.New("vector append failed")

	// ErrVecResizeFailed indicates a bounded vector resize exceeded capacity.
	ErrVecResizeFailed = errors.New("vector resize failed")

	// ErrBufferNotDone indicates serialization was attempted on a buffer
	// still awaiting continuation chunks.
	ErrBufferNotDone = errors.New("packet buffer is not done")
)

// InvalidPacketTypeError indicates the 3-bit type field decoded to the
// reserved value 7.
type InvalidPacketTypeError struct {
	// Raw is the decoded 3-bit type code.
	Raw uint8
}

func (e *InvalidPacketTypeError) Error() string {
	return fmt.Sprintf("invalid packet type %d", e.Raw)
}

// InvalidPacketIDWidthError indicates the header byte carried an
// unrecognizable id width. Cannot occur on a well-formed single bit; kept
// for parity with the wire error taxonomy.
type InvalidPacketIDWidthError struct {
	// Header is the raw header byte.
	Header uint8
}

func (e *InvalidPacketIDWidthError) Error() string {
	return fmt.Sprintf("invalid packet id width in header byte 0x%02X", e.Header)
}

// InvalidContinuedIDError indicates the header byte carried an
// unrecognizable continuation flag. Kept for parity with the wire error
// taxonomy.
type InvalidContinuedIDError struct {
	// Header is the raw header byte.
	Header uint8
}

func (e *InvalidContinuedIDError) Error() string {
	return fmt.Sprintf("invalid continued flag in header byte 0x%02X", e.Header)
}

// InvalidCommandIDError indicates a decoded id value outside the closed
// command id set.
type InvalidCommandIDError struct {
	// Raw is the decoded 32-bit id value.
	Raw uint32
}

func (e *InvalidCommandIDError) Error() string {
	return fmt.Sprintf("invalid command id 0x%X", e.Raw)
}

// NotEnoughActualBytesError indicates the chunk is shorter than the id
// field it advertises.
type NotEnoughActualBytesError struct {
	// Have is the chunk length in bytes.
	Have int
	// Need is the advertised id width plus header.
	Need int
}

func (e *NotEnoughActualBytesError) Error() string {
	return fmt.Sprintf("not enough actual bytes for packet id: have %d, need %d", e.Have, e.Need)
}

// NotEnoughPossibleBytesError indicates the advertised payload length is
// smaller than the id field it must contain.
type NotEnoughPossibleBytesError struct {
	// Have is the advertised payload length.
	Have uint32
	// Need is the id width in bytes.
	Need int
}

func (e *NotEnoughPossibleBytesError) Error() string {
	return fmt.Sprintf("not enough possible bytes for packet id: payload %d, id width %d", e.Have, e.Need)
}

// PayloadAppendError indicates appending payload would exceed the packet
// buffer's capacity.
type PayloadAppendError struct {
	// Bytes is the size of the rejected append.
	Bytes int
}

func (e *PayloadAppendError) Error() string {
	return fmt.Sprintf("payload append of %d bytes exceeds buffer capacity", e.Bytes)
}

// SerializationTooSmallError indicates the caller-provided scratch buffer
// cannot hold the serialized packet stream.
type SerializationTooSmallError struct {
	// Got is the scratch buffer size in bytes.
	Got int
	// Need is the required serialized size in bytes.
	Need int
}

func (e *SerializationTooSmallError) Error() string {
	return fmt.Sprintf("serialization result too small: got %d bytes, need %d", e.Got, e.Need)
}

// -------------------------------------------------------------------------
// Header Field Accessors
// -------------------------------------------------------------------------

// Wire format of a non-Sync chunk:
//
//	byte 0:  [ type:3 | cont:1 | id_width:1 | reserved:1 | upper_len:2 ]
//	byte 1:  [ len:8 ]                   // lower 8 bits of payload length
//	bytes 2..2+idw:  id (little-endian, 2 or 4 bytes)
//	bytes 2+idw..:   payload
//
// The 10-bit payload length counts the id bytes but not the two header
// bytes. A Sync chunk is the single byte 0x60.

// ChunkPacketType extracts the packet type from the first 3 bits of a
// chunk's header byte.
func ChunkPacketType(chunk []byte) (PacketType, error) {
	if len(chunk) < 1 {
		return 0, ErrMissingPacketTypeByte
	}

	ptype := (chunk[0] & 0xE0) >> 5
	if ptype > uint8(PacketTypeNaContinued) {
		return 0, &InvalidPacketTypeError{Raw: ptype}
	}
	return PacketType(ptype), nil
}

// ChunkPayloadLen extracts the 10-bit payload length from a chunk header.
// The length counts the id bytes but not the two header bytes.
func ChunkPayloadLen(chunk []byte) (uint32, error) {
	if len(chunk) < HeaderSize {
		return 0, ErrMissingPayloadLengthByte
	}

	upperLen := uint32(chunk[0] & 0x03)
	return upperLen<<8 | uint32(chunk[1]), nil
}

// ChunkIDWidth extracts the id field width in bytes (2 or 4) from a chunk
// header.
func ChunkIDWidth(chunk []byte) (int, error) {
	if len(chunk) < HeaderSize {
		return 0, ErrMissingPacketIDWidthByte
	}

	if chunk[0]&0x08 != 0 {
		return 4, nil // 32 bit
	}
	return 2, nil // 16 bit
}

// ChunkPacketID extracts the little-endian packet id from a chunk.
// Verifies both the advertised payload length and the actual chunk length
// cover the id field.
func ChunkPacketID(chunk []byte) (uint32, error) {
	idWidth, err := ChunkIDWidth(chunk)
	if err != nil {
		return 0, err
	}

	payloadLen, err := ChunkPayloadLen(chunk)
	if err != nil {
		return 0, err
	}
	if payloadLen < uint32(idWidth) {
		return 0, &NotEnoughPossibleBytesError{Have: payloadLen, Need: idWidth}
	}

	if len(chunk) < HeaderSize+idWidth {
		return 0, &NotEnoughActualBytesError{Have: len(chunk), Need: HeaderSize + idWidth}
	}

	var id uint32
	for i := 0; i < idWidth; i++ {
		id |= uint32(chunk[HeaderSize+i]) << (i * 8)
	}
	return id, nil
}

// ChunkContinued extracts the continuation flag from a chunk header.
// True means another chunk of this logical message follows.
func ChunkContinued(chunk []byte) (bool, error) {
	if len(chunk) < 1 {
		return false, ErrMissingContinuedIDByte
	}
	return chunk[0]&0x10 != 0, nil
}

// ChunkPayloadStart returns the byte offset of the payload data within a
// chunk. A zero-length payload has no id bytes either, so the offset is
// the header size.
func ChunkPayloadStart(chunk []byte) (int, error) {
	idWidth, err := ChunkIDWidth(chunk)
	if err != nil {
		return 0, err
	}

	payloadLen, err := ChunkPayloadLen(chunk)
	if err != nil {
		return 0, err
	}
	if payloadLen == 0 {
		return HeaderSize, nil
	}

	return HeaderSize + idWidth, nil
}

// -------------------------------------------------------------------------
// HID Bitmask Helpers
// -------------------------------------------------------------------------

// bitmaskBytes is the fixed bitmask size covering byte codes 0-255.
const bitmaskBytes = 32

// maxBitmaskCodes bounds the code vector produced by BitmaskToVec.
// Technically up to 256 codes fit in the mask, but HID keyboards report far
// fewer simultaneous codes. Matches the device-side limit.
const maxBitmaskCodes = 32

// BitmaskToVec converts a HID bitmask into a sorted vector of byte codes.
// The first mask byte represents codes 0-7 and the final byte ends at 255.
// Returns ErrVecAppendFailed when more than maxBitmaskCodes bits are set.
func BitmaskToVec(bitmask []byte) ([]byte, error) {
	codes := make([]byte, 0, maxBitmaskCodes)

	for bytePos, b := range bitmask {
		for bit := 0; bit <= 7; bit++ {
			if (b>>bit)&0x01 != 0x01 {
				continue
			}
			if len(codes) == maxBitmaskCodes {
				return nil, ErrVecAppendFailed
			}
			codes = append(codes, byte(bit+bytePos*8))
		}
	}
	return codes, nil
}

// VecToBitmask converts a vector of byte codes into a 32-byte HID bitmask.
// The inverse of BitmaskToVec.
func VecToBitmask(codes []byte) ([]byte, error) {
	mask := make([]byte, bitmaskBytes)

	for _, code := range codes {
		bytePos := code / 8
		mask[bytePos] |= 1 << (code - 8*bytePos)
	}
	return mask, nil
}
