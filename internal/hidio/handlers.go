package hidio

import (
	"encoding/binary"
	"fmt"
)

// This file defines the command request/ack/nak structs, the Handler
// interface the dispatcher matches completed messages against, and the
// per-command dispatch bodies. Every command follows the same triple
// shape: a request handler returning an ack (or refusing with an error),
// an ack handler consuming the peer's response payload, and a nak handler
// noting the peer's refusal. Commands in the closed id set without a
// dispatch body below decode fine but report IDNotImplementedError.

// -------------------------------------------------------------------------
// SupportedIDs (0x00)
// -------------------------------------------------------------------------

// SupportedIDsCmd requests the peer's supported command id list.
// The request carries no payload.
type SupportedIDsCmd struct{}

// SupportedIDsAck carries the peer's supported id list. On the wire each
// id is encoded as 32-bit little-endian regardless of its magnitude.
type SupportedIDsAck struct {
	// IDs is the supported command id list.
	IDs []CommandID
}

// SupportedIDsNak is the empty refusal of a SupportedIDs request.
type SupportedIDsNak struct{}

// -------------------------------------------------------------------------
// GetInfo (0x01)
// -------------------------------------------------------------------------

// InfoProperty selects which device or host property a GetInfo request
// asks for.
type InfoProperty uint8

const (
	InfoPropertyMajorVersion     InfoProperty = 0x00
	InfoPropertyMinorVersion     InfoProperty = 0x01
	InfoPropertyPatchVersion     InfoProperty = 0x02
	InfoPropertyDeviceName       InfoProperty = 0x03
	InfoPropertyDeviceSerial     InfoProperty = 0x04
	InfoPropertyDeviceVersion    InfoProperty = 0x05
	InfoPropertyDeviceMCU        InfoProperty = 0x06
	InfoPropertyFirmwareName     InfoProperty = 0x07
	InfoPropertyFirmwareVersion  InfoProperty = 0x08
	InfoPropertyDeviceVendor     InfoProperty = 0x09
	InfoPropertyOsType           InfoProperty = 0x0A
	InfoPropertyOsVersion        InfoProperty = 0x0B
	InfoPropertyHostSoftwareName InfoProperty = 0x0C
)

// infoPropertyNames maps property codes to human-readable strings.
var infoPropertyNames = map[InfoProperty]string{
	InfoPropertyMajorVersion:     "MajorVersion",
	InfoPropertyMinorVersion:     "MinorVersion",
	InfoPropertyPatchVersion:     "PatchVersion",
	InfoPropertyDeviceName:       "DeviceName",
	InfoPropertyDeviceSerial:     "DeviceSerial",
	InfoPropertyDeviceVersion:    "DeviceVersion",
	InfoPropertyDeviceMCU:        "DeviceMCU",
	InfoPropertyFirmwareName:     "FirmwareName",
	InfoPropertyFirmwareVersion:  "FirmwareVersion",
	InfoPropertyDeviceVendor:     "DeviceVendor",
	InfoPropertyOsType:           "OsType",
	InfoPropertyOsVersion:        "OsVersion",
	InfoPropertyHostSoftwareName: "HostSoftwareName",
}

// String returns the human-readable name for the property code.
func (p InfoProperty) String() string {
	if name, ok := infoPropertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint8(p))
}

// numeric reports whether the property's value is a 16-bit number rather
// than a UTF-8 string.
func (p InfoProperty) numeric() bool {
	return p <= InfoPropertyPatchVersion
}

// GetInfoCmd requests one property. The request payload is the single
// property code byte.
type GetInfoCmd struct {
	// Property selects the requested value.
	Property InfoProperty
}

// GetInfoAck carries the property value. The ack payload repeats the
// property code byte followed by the value: 16-bit little-endian for the
// version number properties, UTF-8 for the rest.
type GetInfoAck struct {
	// Property is the property the value belongs to.
	Property InfoProperty

	// Number holds the value of a numeric property.
	Number uint16

	// Str holds the value of a string property.
	Str string
}

// GetInfoNak is the empty refusal of a GetInfo request.
type GetInfoNak struct{}

// -------------------------------------------------------------------------
// TestPacket (0x02)
// -------------------------------------------------------------------------

// TestPacketCmd carries an arbitrary test payload the peer must echo.
type TestPacketCmd struct {
	// Data is the payload to echo.
	Data []byte
}

// TestPacketAck echoes the request payload.
type TestPacketAck struct {
	// Data is the echoed payload.
	Data []byte
}

// TestPacketNak is the empty refusal of a TestPacket request.
type TestPacketNak struct{}

// -------------------------------------------------------------------------
// ResetHidIo (0x03)
// -------------------------------------------------------------------------

// ResetHidIoCmd asks the peer to reset its HID-IO processing state.
type ResetHidIoCmd struct{}

// ResetHidIoAck confirms the reset.
type ResetHidIoAck struct{}

// ResetHidIoNak is the empty refusal of a ResetHidIo request.
type ResetHidIoNak struct{}

// -------------------------------------------------------------------------
// UnicodeText (0x17) / UnicodeState (0x18)
// -------------------------------------------------------------------------

// UnicodeTextCmd carries a UTF-8 string to type on the host. Devices
// usually send it as NaData.
type UnicodeTextCmd struct {
	// Text is the UTF-8 string to emit.
	Text string
}

// UnicodeTextAck confirms the text was handled. No payload.
type UnicodeTextAck struct{}

// UnicodeTextNak is the empty refusal of a UnicodeText request.
type UnicodeTextNak struct{}

// UnicodeStateCmd carries the UTF-8 string of currently held symbols.
// An empty string releases all held symbols.
type UnicodeStateCmd struct {
	// Symbols is the UTF-8 string of held symbols.
	Symbols string
}

// UnicodeStateAck confirms the state was applied. No payload.
type UnicodeStateAck struct{}

// UnicodeStateNak is the empty refusal of a UnicodeState request.
type UnicodeStateNak struct{}

// -------------------------------------------------------------------------
// SleepMode (0x1A)
// -------------------------------------------------------------------------

// SleepModeError is the refusal code carried by a SleepMode nak.
type SleepModeError uint8

const (
	// SleepModeErrorNotSupported indicates the host cannot trigger sleep.
	SleepModeErrorNotSupported SleepModeError = 0

	// SleepModeErrorDisabled indicates sleep is administratively disabled.
	SleepModeErrorDisabled SleepModeError = 1

	// SleepModeErrorNotReady indicates the host cannot sleep right now.
	SleepModeErrorNotReady SleepModeError = 2
)

// String returns the human-readable name for the sleep mode error code.
func (e SleepModeError) String() string {
	switch e {
	case SleepModeErrorNotSupported:
		return "NotSupported"
	case SleepModeErrorDisabled:
		return "Disabled"
	case SleepModeErrorNotReady:
		return "NotReady"
	default:
		return fmt.Sprintf(unknownFmt, uint8(e))
	}
}

// SleepModeCmd asks the host to enter sleep mode. No payload.
type SleepModeCmd struct{}

// SleepModeAck confirms the host is entering sleep mode. No payload.
type SleepModeAck struct{}

// SleepModeNak refuses the request with a one-byte error code.
type SleepModeNak struct {
	// Error is the refusal reason.
	Error SleepModeError
}

// -------------------------------------------------------------------------
// OpenUrl (0x30) / TerminalOut (0x34)
// -------------------------------------------------------------------------

// OpenURLCmd asks the host to open a URL in the default browser.
type OpenURLCmd struct {
	// URL is the UTF-8 URL to open.
	URL string
}

// OpenURLAck confirms the URL was dispatched. No payload.
type OpenURLAck struct{}

// OpenURLNak is the empty refusal of an OpenUrl request.
type OpenURLNak struct{}

// TerminalOutCmd carries terminal output text from the device. Devices
// usually send it as NaData.
type TerminalOutCmd struct {
	// Text is the UTF-8 terminal output.
	Text string
}

// TerminalOutAck confirms the output was consumed. No payload.
type TerminalOutAck struct{}

// TerminalOutNak is the empty refusal of a TerminalOut request.
type TerminalOutNak struct{}

// -------------------------------------------------------------------------
// ManufacturingTest (0x50)
// -------------------------------------------------------------------------

// ManufacturingTestCmd selects a manufacturing test routine.
// The payload is a 16-bit little-endian command followed by a 16-bit
// little-endian argument.
type ManufacturingTestCmd struct {
	// Command selects the test routine.
	Command uint16

	// Argument parameterizes the routine.
	Argument uint16
}

// ManufacturingTestAck echoes the routine selector and argument (16-bit
// little-endian each) followed by routine-specific result bytes.
type ManufacturingTestAck struct {
	// Command echoes the test routine selector.
	Command uint16

	// Argument echoes the routine argument.
	Argument uint16

	// Data holds routine-specific result bytes.
	Data []byte
}

// ManufacturingTestNak is the empty refusal of a ManufacturingTest request.
type ManufacturingTestNak struct{}

// -------------------------------------------------------------------------
// Handler interface
// -------------------------------------------------------------------------

// Handler is the command surface the dispatcher matches completed
// messages against. Concrete implementations embed UnimplementedHandler
// and override only the commands they support; SupportedID gates dispatch
// before any command body runs.
//
// A request handler (OnX) returns the ack to emit, or an error to refuse:
// a *NakError refusal carries its Data as the Nak payload, any other
// error produces an empty Nak.
type Handler interface {
	// SupportedID reports whether the id is in the locally supported set.
	SupportedID(id CommandID) bool

	OnSupportedIDs(cmd SupportedIDsCmd) (SupportedIDsAck, error)
	OnSupportedIDsAck(ack SupportedIDsAck) error
	OnSupportedIDsNak(nak SupportedIDsNak) error

	OnGetInfo(cmd GetInfoCmd) (GetInfoAck, error)
	OnGetInfoAck(ack GetInfoAck) error
	OnGetInfoNak(nak GetInfoNak) error

	OnTestPacket(cmd TestPacketCmd) (TestPacketAck, error)
	OnTestPacketAck(ack TestPacketAck) error
	OnTestPacketNak(nak TestPacketNak) error

	OnResetHidIo(cmd ResetHidIoCmd) (ResetHidIoAck, error)
	OnResetHidIoAck(ack ResetHidIoAck) error
	OnResetHidIoNak(nak ResetHidIoNak) error

	OnUnicodeText(cmd UnicodeTextCmd) (UnicodeTextAck, error)
	OnUnicodeTextAck(ack UnicodeTextAck) error
	OnUnicodeTextNak(nak UnicodeTextNak) error

	OnUnicodeState(cmd UnicodeStateCmd) (UnicodeStateAck, error)
	OnUnicodeStateAck(ack UnicodeStateAck) error
	OnUnicodeStateNak(nak UnicodeStateNak) error

	OnSleepMode(cmd SleepModeCmd) (SleepModeAck, error)
	OnSleepModeAck(ack SleepModeAck) error
	OnSleepModeNak(nak SleepModeNak) error

	OnOpenURL(cmd OpenURLCmd) (OpenURLAck, error)
	OnOpenURLAck(ack OpenURLAck) error
	OnOpenURLNak(nak OpenURLNak) error

	OnTerminalOut(cmd TerminalOutCmd) (TerminalOutAck, error)
	OnTerminalOutAck(ack TerminalOutAck) error
	OnTerminalOutNak(nak TerminalOutNak) error

	OnManufacturingTest(cmd ManufacturingTestCmd) (ManufacturingTestAck, error)
	OnManufacturingTestAck(ack ManufacturingTestAck) error
	OnManufacturingTestNak(nak ManufacturingTestNak) error
}

// UnimplementedHandler provides IdNotImplemented defaults for every
// command and supports no ids. Embed it in concrete handlers and override
// the commands the implementation supports.
type UnimplementedHandler struct{}

var _ Handler = UnimplementedHandler{}

// SupportedID reports no supported ids.
func (UnimplementedHandler) SupportedID(CommandID) bool { return false }

func (UnimplementedHandler) OnSupportedIDs(SupportedIDsCmd) (SupportedIDsAck, error) {
	return SupportedIDsAck{}, &IDNotImplementedError{ID: CommandSupportedIDs}
}
func (UnimplementedHandler) OnSupportedIDsAck(SupportedIDsAck) error {
	return &IDNotImplementedError{ID: CommandSupportedIDs}
}
func (UnimplementedHandler) OnSupportedIDsNak(SupportedIDsNak) error {
	return &IDNotImplementedError{ID: CommandSupportedIDs}
}

func (UnimplementedHandler) OnGetInfo(GetInfoCmd) (GetInfoAck, error) {
	return GetInfoAck{}, &IDNotImplementedError{ID: CommandGetInfo}
}
func (UnimplementedHandler) OnGetInfoAck(GetInfoAck) error {
	return &IDNotImplementedError{ID: CommandGetInfo}
}
func (UnimplementedHandler) OnGetInfoNak(GetInfoNak) error {
	return &IDNotImplementedError{ID: CommandGetInfo}
}

func (UnimplementedHandler) OnTestPacket(TestPacketCmd) (TestPacketAck, error) {
	return TestPacketAck{}, &IDNotImplementedError{ID: CommandTestPacket}
}
func (UnimplementedHandler) OnTestPacketAck(TestPacketAck) error {
	return &IDNotImplementedError{ID: CommandTestPacket}
}
func (UnimplementedHandler) OnTestPacketNak(TestPacketNak) error {
	return &IDNotImplementedError{ID: CommandTestPacket}
}

func (UnimplementedHandler) OnResetHidIo(ResetHidIoCmd) (ResetHidIoAck, error) {
	return ResetHidIoAck{}, &IDNotImplementedError{ID: CommandResetHidIo}
}
func (UnimplementedHandler) OnResetHidIoAck(ResetHidIoAck) error {
	return &IDNotImplementedError{ID: CommandResetHidIo}
}
func (UnimplementedHandler) OnResetHidIoNak(ResetHidIoNak) error {
	return &IDNotImplementedError{ID: CommandResetHidIo}
}

func (UnimplementedHandler) OnUnicodeText(UnicodeTextCmd) (UnicodeTextAck, error) {
	return UnicodeTextAck{}, &IDNotImplementedError{ID: CommandUnicodeText}
}
func (UnimplementedHandler) OnUnicodeTextAck(UnicodeTextAck) error {
	return &IDNotImplementedError{ID: CommandUnicodeText}
}
func (UnimplementedHandler) OnUnicodeTextNak(UnicodeTextNak) error {
	return &IDNotImplementedError{ID: CommandUnicodeText}
}

func (UnimplementedHandler) OnUnicodeState(UnicodeStateCmd) (UnicodeStateAck, error) {
	return UnicodeStateAck{}, &IDNotImplementedError{ID: CommandUnicodeState}
}
func (UnimplementedHandler) OnUnicodeStateAck(UnicodeStateAck) error {
	return &IDNotImplementedError{ID: CommandUnicodeState}
}
func (UnimplementedHandler) OnUnicodeStateNak(UnicodeStateNak) error {
	return &IDNotImplementedError{ID: CommandUnicodeState}
}

func (UnimplementedHandler) OnSleepMode(SleepModeCmd) (SleepModeAck, error) {
	return SleepModeAck{}, &IDNotImplementedError{ID: CommandSleepMode}
}
func (UnimplementedHandler) OnSleepModeAck(SleepModeAck) error {
	return &IDNotImplementedError{ID: CommandSleepMode}
}
func (UnimplementedHandler) OnSleepModeNak(SleepModeNak) error {
	return &IDNotImplementedError{ID: CommandSleepMode}
}

func (UnimplementedHandler) OnOpenURL(OpenURLCmd) (OpenURLAck, error) {
	return OpenURLAck{}, &IDNotImplementedError{ID: CommandOpenURL}
}
func (UnimplementedHandler) OnOpenURLAck(OpenURLAck) error {
	return &IDNotImplementedError{ID: CommandOpenURL}
}
func (UnimplementedHandler) OnOpenURLNak(OpenURLNak) error {
	return &IDNotImplementedError{ID: CommandOpenURL}
}

func (UnimplementedHandler) OnTerminalOut(TerminalOutCmd) (TerminalOutAck, error) {
	return TerminalOutAck{}, &IDNotImplementedError{ID: CommandTerminalOut}
}
func (UnimplementedHandler) OnTerminalOutAck(TerminalOutAck) error {
	return &IDNotImplementedError{ID: CommandTerminalOut}
}
func (UnimplementedHandler) OnTerminalOutNak(TerminalOutNak) error {
	return &IDNotImplementedError{ID: CommandTerminalOut}
}

func (UnimplementedHandler) OnManufacturingTest(ManufacturingTestCmd) (ManufacturingTestAck, error) {
	return ManufacturingTestAck{}, &IDNotImplementedError{ID: CommandManufacturingTest}
}
func (UnimplementedHandler) OnManufacturingTestAck(ManufacturingTestAck) error {
	return &IDNotImplementedError{ID: CommandManufacturingTest}
}
func (UnimplementedHandler) OnManufacturingTestNak(ManufacturingTestNak) error {
	return &IDNotImplementedError{ID: CommandManufacturingTest}
}

// -------------------------------------------------------------------------
// Dispatch bodies
// -------------------------------------------------------------------------

// idWireSize is the on-wire size of one id in a SupportedIDs ack payload.
// Ids are always encoded as 32-bit little-endian there, regardless of the
// header id_width.
const idWireSize = 4

// handleSupportedIDs dispatches a completed SupportedIDs message.
func (d *Dispatcher) handleSupportedIDs() error {
	buf := d.rxBuf

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		ack, err := d.handler.OnSupportedIDs(SupportedIDsCmd{})
		if err != nil {
			return d.respond(nil, err)
		}
		if len(ack.IDs) > d.maxIDs {
			return ErrIDVecTooSmall
		}

		payload := make([]byte, 0, len(ack.IDs)*idWireSize)
		for _, id := range ack.IDs {
			payload = binary.LittleEndian.AppendUint32(payload, uint32(id))
		}
		return d.respond(payload, nil)

	case PacketTypeAck:
		// Ids are always 32-bit little-endian. The id list is truncated
		// silently once maxIDs entries have been collected.
		ids := make([]CommandID, 0, d.maxIDs)
		for pos := 0; pos+idWireSize <= len(buf.Data); pos += idWireSize {
			raw := binary.LittleEndian.Uint32(buf.Data[pos : pos+idWireSize])
			id, err := CommandIDFromU32(raw)
			if err != nil {
				return fmt.Errorf("supported ids ack: %w", err)
			}
			if len(ids) == d.maxIDs {
				break
			}
			ids = append(ids, id)
		}
		return d.handler.OnSupportedIDsAck(SupportedIDsAck{IDs: ids})

	case PacketTypeNak:
		return d.handler.OnSupportedIDsNak(SupportedIDsNak{})
	}
	return nil
}

// handleGetInfo dispatches a completed GetInfo message.
func (d *Dispatcher) handleGetInfo() error {
	buf := d.rxBuf

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		if len(buf.Data) < 1 {
			return d.respond(nil, &NakError{})
		}
		prop := InfoProperty(buf.Data[0])
		if _, ok := infoPropertyNames[prop]; !ok {
			return d.respond(nil, &NakError{})
		}

		ack, err := d.handler.OnGetInfo(GetInfoCmd{Property: prop})
		if err != nil {
			return d.respond(nil, err)
		}

		payload := []byte{byte(ack.Property)}
		if ack.Property.numeric() {
			payload = binary.LittleEndian.AppendUint16(payload, ack.Number)
		} else {
			payload = append(payload, ack.Str...)
		}
		return d.respond(payload, nil)

	case PacketTypeAck:
		if len(buf.Data) < 1 {
			return fmt.Errorf("get info ack: %w", ErrMissingPayloadLengthByte)
		}
		ack := GetInfoAck{Property: InfoProperty(buf.Data[0])}
		if ack.Property.numeric() {
			if len(buf.Data) < 3 {
				return fmt.Errorf("get info ack: numeric property %s short payload", ack.Property)
			}
			ack.Number = binary.LittleEndian.Uint16(buf.Data[1:3])
		} else {
			ack.Str = string(buf.Data[1:])
		}
		return d.handler.OnGetInfoAck(ack)

	case PacketTypeNak:
		return d.handler.OnGetInfoNak(GetInfoNak{})
	}
	return nil
}

// handleTestPacket dispatches a completed TestPacket message.
func (d *Dispatcher) handleTestPacket() error {
	buf := d.rxBuf

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		// The request payload aliases the reassembly buffer, which the
		// caller resets after dispatch. Hand the handler its own copy.
		data := append([]byte(nil), buf.Data...)
		ack, err := d.handler.OnTestPacket(TestPacketCmd{Data: data})
		if err != nil {
			return d.respond(nil, err)
		}
		return d.respond(ack.Data, nil)

	case PacketTypeAck:
		data := append([]byte(nil), buf.Data...)
		return d.handler.OnTestPacketAck(TestPacketAck{Data: data})

	case PacketTypeNak:
		return d.handler.OnTestPacketNak(TestPacketNak{})
	}
	return nil
}

// handleResetHidIo dispatches a completed ResetHidIo message.
func (d *Dispatcher) handleResetHidIo() error {
	switch d.rxBuf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnResetHidIo(ResetHidIoCmd{})
		return d.respond(nil, err)
	case PacketTypeAck:
		return d.handler.OnResetHidIoAck(ResetHidIoAck{})
	case PacketTypeNak:
		return d.handler.OnResetHidIoNak(ResetHidIoNak{})
	}
	return nil
}

// handleUnicodeText dispatches a completed UnicodeText message.
func (d *Dispatcher) handleUnicodeText() error {
	switch d.rxBuf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnUnicodeText(UnicodeTextCmd{Text: string(d.rxBuf.Data)})
		return d.respond(nil, err)
	case PacketTypeAck:
		return d.handler.OnUnicodeTextAck(UnicodeTextAck{})
	case PacketTypeNak:
		return d.handler.OnUnicodeTextNak(UnicodeTextNak{})
	}
	return nil
}

// handleUnicodeState dispatches a completed UnicodeState message.
func (d *Dispatcher) handleUnicodeState() error {
	switch d.rxBuf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnUnicodeState(UnicodeStateCmd{Symbols: string(d.rxBuf.Data)})
		return d.respond(nil, err)
	case PacketTypeAck:
		return d.handler.OnUnicodeStateAck(UnicodeStateAck{})
	case PacketTypeNak:
		return d.handler.OnUnicodeStateNak(UnicodeStateNak{})
	}
	return nil
}

// handleSleepMode dispatches a completed SleepMode message.
func (d *Dispatcher) handleSleepMode() error {
	buf := d.rxBuf

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnSleepMode(SleepModeCmd{})
		return d.respond(nil, err)

	case PacketTypeAck:
		return d.handler.OnSleepModeAck(SleepModeAck{})

	case PacketTypeNak:
		nak := SleepModeNak{}
		if len(buf.Data) > 0 {
			nak.Error = SleepModeError(buf.Data[0])
		}
		return d.handler.OnSleepModeNak(nak)
	}
	return nil
}

// handleOpenURL dispatches a completed OpenUrl message.
func (d *Dispatcher) handleOpenURL() error {
	switch d.rxBuf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnOpenURL(OpenURLCmd{URL: string(d.rxBuf.Data)})
		return d.respond(nil, err)
	case PacketTypeAck:
		return d.handler.OnOpenURLAck(OpenURLAck{})
	case PacketTypeNak:
		return d.handler.OnOpenURLNak(OpenURLNak{})
	}
	return nil
}

// handleTerminalOut dispatches a completed TerminalOut message.
func (d *Dispatcher) handleTerminalOut() error {
	switch d.rxBuf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		_, err := d.handler.OnTerminalOut(TerminalOutCmd{Text: string(d.rxBuf.Data)})
		return d.respond(nil, err)
	case PacketTypeAck:
		return d.handler.OnTerminalOutAck(TerminalOutAck{})
	case PacketTypeNak:
		return d.handler.OnTerminalOutNak(TerminalOutNak{})
	}
	return nil
}

// manufacturingHeaderSize is the fixed prefix of a ManufacturingTest
// payload: 16-bit command plus 16-bit argument.
const manufacturingHeaderSize = 4

// handleManufacturingTest dispatches a completed ManufacturingTest message.
func (d *Dispatcher) handleManufacturingTest() error {
	buf := d.rxBuf

	switch buf.Ptype {
	case PacketTypeData, PacketTypeNaData:
		if len(buf.Data) < manufacturingHeaderSize {
			return d.respond(nil, &NakError{})
		}
		cmd := ManufacturingTestCmd{
			Command:  binary.LittleEndian.Uint16(buf.Data[0:2]),
			Argument: binary.LittleEndian.Uint16(buf.Data[2:4]),
		}

		ack, err := d.handler.OnManufacturingTest(cmd)
		if err != nil {
			return d.respond(nil, err)
		}

		payload := make([]byte, 0, manufacturingHeaderSize+len(ack.Data))
		payload = binary.LittleEndian.AppendUint16(payload, ack.Command)
		payload = binary.LittleEndian.AppendUint16(payload, ack.Argument)
		payload = append(payload, ack.Data...)
		return d.respond(payload, nil)

	case PacketTypeAck:
		if len(buf.Data) < manufacturingHeaderSize {
			return fmt.Errorf("manufacturing test ack: short payload %d", len(buf.Data))
		}
		ack := ManufacturingTestAck{
			Command:  binary.LittleEndian.Uint16(buf.Data[0:2]),
			Argument: binary.LittleEndian.Uint16(buf.Data[2:4]),
			Data:     append([]byte(nil), buf.Data[manufacturingHeaderSize:]...),
		}
		return d.handler.OnManufacturingTestAck(ack)

	case PacketTypeNak:
		return d.handler.OnManufacturingTestNak(ManufacturingTestNak{})
	}
	return nil
}
