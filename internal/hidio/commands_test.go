package hidio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hid-io/gohidio/internal/hidio"
)

// -------------------------------------------------------------------------
// Loopback command interface
//
// The tx byte queue is flushed back into the rx byte queue, so the
// dispatcher answers its own requests. Mirrors a host talking to itself.
// -------------------------------------------------------------------------

// testHandler records every ack/nak it receives and answers requests from
// fixed data.
type testHandler struct {
	hidio.UnimplementedHandler

	ids []hidio.CommandID

	gotSupportedIDs []hidio.CommandID
	gotTestAck      []byte
	gotInfoAck      hidio.GetInfoAck
	gotSleepNak     hidio.SleepModeNak
	unicodeTexts    []string
	resetCount      int
}

func (h *testHandler) SupportedID(id hidio.CommandID) bool {
	for _, i := range h.ids {
		if i == id {
			return true
		}
	}
	return false
}

func (h *testHandler) OnSupportedIDs(hidio.SupportedIDsCmd) (hidio.SupportedIDsAck, error) {
	return hidio.SupportedIDsAck{IDs: h.ids}, nil
}

func (h *testHandler) OnSupportedIDsAck(ack hidio.SupportedIDsAck) error {
	h.gotSupportedIDs = ack.IDs
	return nil
}

func (h *testHandler) OnTestPacket(cmd hidio.TestPacketCmd) (hidio.TestPacketAck, error) {
	return hidio.TestPacketAck{Data: cmd.Data}, nil
}

func (h *testHandler) OnTestPacketAck(ack hidio.TestPacketAck) error {
	h.gotTestAck = ack.Data
	return nil
}

func (h *testHandler) OnGetInfo(cmd hidio.GetInfoCmd) (hidio.GetInfoAck, error) {
	switch cmd.Property {
	case hidio.InfoPropertyMajorVersion:
		return hidio.GetInfoAck{Property: cmd.Property, Number: 2}, nil
	case hidio.InfoPropertyDeviceName:
		return hidio.GetInfoAck{Property: cmd.Property, Str: "Test Keyboard"}, nil
	default:
		return hidio.GetInfoAck{}, &hidio.NakError{}
	}
}

func (h *testHandler) OnGetInfoAck(ack hidio.GetInfoAck) error {
	h.gotInfoAck = ack
	return nil
}

func (h *testHandler) OnResetHidIo(hidio.ResetHidIoCmd) (hidio.ResetHidIoAck, error) {
	h.resetCount++
	return hidio.ResetHidIoAck{}, nil
}

func (h *testHandler) OnResetHidIoAck(hidio.ResetHidIoAck) error { return nil }

func (h *testHandler) OnUnicodeText(cmd hidio.UnicodeTextCmd) (hidio.UnicodeTextAck, error) {
	h.unicodeTexts = append(h.unicodeTexts, cmd.Text)
	return hidio.UnicodeTextAck{}, nil
}

func (h *testHandler) OnSleepMode(hidio.SleepModeCmd) (hidio.SleepModeAck, error) {
	return hidio.SleepModeAck{}, &hidio.NakError{Data: []byte{byte(hidio.SleepModeErrorNotReady)}}
}

func (h *testHandler) OnSleepModeNak(nak hidio.SleepModeNak) error {
	h.gotSleepNak = nak
	return nil
}

// newLoopback builds a dispatcher around a fresh testHandler.
func newLoopback(t *testing.T, ids []hidio.CommandID, opts ...hidio.DispatcherOption) (*hidio.Dispatcher, *testHandler) {
	t.Helper()

	h := &testHandler{ids: ids}
	base := []hidio.DispatcherOption{hidio.WithQueueDepths(16, 16)}
	return hidio.NewDispatcher(h, append(base, opts...)...), h
}

// flushTxToRx moves every chunk from the tx queue back onto the rx queue.
func flushTxToRx(t *testing.T, d *hidio.Dispatcher) int {
	t.Helper()

	moved := 0
	for {
		chunk, ok := d.TxQueue().Dequeue()
		if !ok {
			return moved
		}
		if err := d.RxQueue().Enqueue(chunk); err != nil {
			t.Fatalf("loopback enqueue: %v", err)
		}
		moved++
	}
}

// enqueueRequest serializes a request buffer and enqueues its chunks on
// the rx queue.
func enqueueRequest(t *testing.T, d *hidio.Dispatcher, buf *hidio.PacketBuffer) {
	t.Helper()

	stream, err := buf.SerializeTo(make([]byte, buf.SerializedLen()))
	if err != nil {
		t.Fatalf("serialize request: %v", err)
	}

	for len(stream) > 0 {
		plen, err := hidio.ChunkPayloadLen(stream)
		if err != nil {
			t.Fatalf("split request: %v", err)
		}
		clen := hidio.HeaderSize + int(plen)
		if err := d.RxQueue().Enqueue(stream[:clen]); err != nil {
			t.Fatalf("enqueue request: %v", err)
		}
		stream = stream[clen:]
	}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestSupportedIDsLoopback(t *testing.T) {
	t.Parallel()

	ids := []hidio.CommandID{
		hidio.CommandSupportedIDs,
		hidio.CommandGetInfo,
		hidio.CommandTestPacket,
	}
	d, h := newLoopback(t, ids)

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandSupportedIDs,
		MaxLen: 64,
		Done:   true,
	})

	n, err := d.ProcessRx(0)
	if err != nil {
		t.Fatalf("ProcessRx(request) error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessRx(request) completed %d messages, want 1", n)
	}

	// The ack chunk must carry every supported id as 32-bit little-endian.
	chunk, ok := d.TxQueue().Peek()
	if !ok {
		t.Fatal("no ack chunk enqueued")
	}
	wantChunk := []byte{
		0x20, 0x0E, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(chunk, wantChunk) {
		t.Fatalf("ack chunk = %#v, want %#v", chunk, wantChunk)
	}

	if moved := flushTxToRx(t, d); moved != 1 {
		t.Fatalf("flushed %d chunks, want 1", moved)
	}
	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(ack) error = %v", err)
	}

	if len(h.gotSupportedIDs) != len(ids) {
		t.Fatalf("ack handler got %d ids, want %d", len(h.gotSupportedIDs), len(ids))
	}
	for i, id := range ids {
		if h.gotSupportedIDs[i] != id {
			t.Fatalf("ack ids[%d] = %s, want %s", i, h.gotSupportedIDs[i], id)
		}
	}
}

func TestUnsupportedIDProducesSingleNak(t *testing.T) {
	t.Parallel()

	d, _ := newLoopback(t, []hidio.CommandID{hidio.CommandSupportedIDs})

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandKeyState,
		MaxLen: 64,
		Done:   true,
	})

	_, err := d.ProcessRx(0)
	var notSupported *hidio.IDNotSupportedError
	if !errors.As(err, &notSupported) {
		t.Fatalf("ProcessRx() error = %v, want IDNotSupportedError", err)
	}
	if notSupported.ID != hidio.CommandKeyState {
		t.Fatalf("unsupported id = %s, want KeyState", notSupported.ID)
	}

	if d.TxQueue().Len() != 1 {
		t.Fatalf("tx queue holds %d chunks, want exactly 1 nak", d.TxQueue().Len())
	}
	chunk, _ := d.TxQueue().Dequeue()
	want := []byte{0x40, 0x02, 0x11, 0x00}
	if !bytes.Equal(chunk, want) {
		t.Fatalf("nak chunk = %#v, want %#v", chunk, want)
	}
}

func TestNaDataSuppressesAck(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandUnicodeText})

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeNaData,
		ID:     hidio.CommandUnicodeText,
		MaxLen: 64,
		Data:   []byte("héllo"),
		Done:   true,
	})

	n, err := d.ProcessRx(0)
	if err != nil {
		t.Fatalf("ProcessRx() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("completed %d messages, want 1", n)
	}

	if len(h.unicodeTexts) != 1 || h.unicodeTexts[0] != "héllo" {
		t.Fatalf("unicode handler got %v", h.unicodeTexts)
	}
	if !d.TxQueue().IsEmpty() {
		t.Fatal("NaData request produced a reply")
	}
}

func TestTestPacketEchoLoopback(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandTestPacket})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandTestPacket,
		MaxLen: 64,
		Data:   payload,
		Done:   true,
	})

	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(request) error = %v", err)
	}
	flushTxToRx(t, d)
	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(ack) error = %v", err)
	}

	if !bytes.Equal(h.gotTestAck, payload) {
		t.Fatalf("echoed payload = %#v, want %#v", h.gotTestAck, payload)
	}
}

func TestGetInfoLoopback(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandGetInfo})

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandGetInfo,
		MaxLen: 64,
		Data:   []byte{byte(hidio.InfoPropertyDeviceName)},
		Done:   true,
	})

	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(request) error = %v", err)
	}
	flushTxToRx(t, d)
	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(ack) error = %v", err)
	}

	if h.gotInfoAck.Property != hidio.InfoPropertyDeviceName {
		t.Fatalf("ack property = %s, want DeviceName", h.gotInfoAck.Property)
	}
	if h.gotInfoAck.Str != "Test Keyboard" {
		t.Fatalf("ack value = %q, want %q", h.gotInfoAck.Str, "Test Keyboard")
	}
}

func TestSleepModeNakCode(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandSleepMode})

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandSleepMode,
		MaxLen: 64,
		Done:   true,
	})

	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(request) error = %v", err)
	}
	flushTxToRx(t, d)
	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(nak) error = %v", err)
	}

	if h.gotSleepNak.Error != hidio.SleepModeErrorNotReady {
		t.Fatalf("sleep nak code = %s, want NotReady", h.gotSleepNak.Error)
	}
}

func TestMultiChunkAckLoopback(t *testing.T) {
	t.Parallel()

	// 20 ids encode to 80 payload bytes, spanning two 64-byte chunks.
	ids := []hidio.CommandID{
		hidio.CommandSupportedIDs, hidio.CommandGetInfo, hidio.CommandTestPacket,
		hidio.CommandResetHidIo, hidio.CommandGetProperties, hidio.CommandKeyState,
		hidio.CommandKeyboardLayout, hidio.CommandKeyLayout, hidio.CommandKeyShapes,
		hidio.CommandLedLayout, hidio.CommandFlashMode, hidio.CommandUnicodeText,
		hidio.CommandUnicodeState, hidio.CommandHostMacro, hidio.CommandSleepMode,
		hidio.CommandKllState, hidio.CommandPixelSetting, hidio.CommandOpenURL,
		hidio.CommandTerminalCmd, hidio.CommandTerminalOut,
	}
	d, h := newLoopback(t, ids)

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandSupportedIDs,
		MaxLen: 64,
		Done:   true,
	})

	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(request) error = %v", err)
	}
	if moved := flushTxToRx(t, d); moved != 2 {
		t.Fatalf("ack spans %d chunks, want 2", moved)
	}
	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(ack) error = %v", err)
	}

	if len(h.gotSupportedIDs) != len(ids) {
		t.Fatalf("ack handler got %d ids, want %d", len(h.gotSupportedIDs), len(ids))
	}
}

func TestSupportedIDsAckTruncation(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandSupportedIDs},
		hidio.WithMaxIDs(3))

	// A peer advertising five ids; the local bound is three.
	peerIDs := []byte{
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x00,
	}
	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeAck,
		ID:     hidio.CommandSupportedIDs,
		MaxLen: 64,
		Data:   peerIDs,
		Done:   true,
	})

	if _, err := d.ProcessRx(0); err != nil {
		t.Fatalf("ProcessRx(ack) error = %v", err)
	}

	// Overlong id lists truncate silently at the configured bound.
	if len(h.gotSupportedIDs) != 3 {
		t.Fatalf("ack handler got %d ids, want 3 (truncated)", len(h.gotSupportedIDs))
	}
}

func TestSupportedIDsOverflowRefused(t *testing.T) {
	t.Parallel()

	ids := []hidio.CommandID{
		hidio.CommandSupportedIDs, hidio.CommandGetInfo, hidio.CommandTestPacket,
		hidio.CommandResetHidIo, hidio.CommandGetProperties,
	}
	d, _ := newLoopback(t, ids, hidio.WithMaxIDs(3))

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandSupportedIDs,
		MaxLen: 64,
		Done:   true,
	})

	// The handler's own list exceeds the bound: the request is not
	// answered and the overflow is surfaced.
	if _, err := d.ProcessRx(0); !errors.Is(err, hidio.ErrIDVecTooSmall) {
		t.Fatalf("ProcessRx() error = %v, want ErrIDVecTooSmall", err)
	}
	if !d.TxQueue().IsEmpty() {
		t.Fatal("refused request still produced a reply")
	}
}

func TestOversizedMessageNaks(t *testing.T) {
	t.Parallel()

	d, _ := newLoopback(t, []hidio.CommandID{hidio.CommandTestPacket},
		hidio.WithPayloadCapacity(4))

	enqueueRequest(t, d, &hidio.PacketBuffer{
		Ptype:  hidio.PacketTypeData,
		ID:     hidio.CommandTestPacket,
		MaxLen: 64,
		Data:   bytes.Repeat([]byte{0xAC}, 10),
		Done:   true,
	})

	_, err := d.ProcessRx(0)
	var appendErr *hidio.PayloadAppendError
	if !errors.As(err, &appendErr) {
		t.Fatalf("ProcessRx() error = %v, want PayloadAppendError", err)
	}

	// The peer is told to stop sending continuations.
	if d.TxQueue().Len() != 1 {
		t.Fatalf("tx queue holds %d chunks, want 1 nak", d.TxQueue().Len())
	}
	chunk, _ := d.TxQueue().Dequeue()
	if ptype, _ := hidio.ChunkPacketType(chunk); ptype != hidio.PacketTypeNak {
		t.Fatalf("reply type = %s, want Nak", ptype)
	}

	// The reassembly buffer was reset; the link continues.
	if d.RxBuffer().Done || len(d.RxBuffer().Data) != 0 {
		t.Fatal("reassembly buffer not reset after overflow")
	}
}

func TestProcessRxChunkLimit(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandResetHidIo})

	for i := 0; i < 2; i++ {
		enqueueRequest(t, d, &hidio.PacketBuffer{
			Ptype:  hidio.PacketTypeData,
			ID:     hidio.CommandResetHidIo,
			MaxLen: 64,
			Done:   true,
		})
	}

	// A limit of 1 drains a single chunk.
	n, err := d.ProcessRx(1)
	if err != nil {
		t.Fatalf("ProcessRx(1) error = %v", err)
	}
	if n != 1 || h.resetCount != 1 {
		t.Fatalf("after limit 1: completed = %d, handled = %d; want 1, 1", n, h.resetCount)
	}

	// Limit 0 drains the rest.
	n, err = d.ProcessRx(0)
	if err != nil {
		t.Fatalf("ProcessRx(0) error = %v", err)
	}
	if n != 1 || h.resetCount != 2 {
		t.Fatalf("after drain: completed = %d, handled = %d; want 1, 2", n, h.resetCount)
	}
}

func TestSyncResetsDispatcherBuffer(t *testing.T) {
	t.Parallel()

	d, h := newLoopback(t, []hidio.CommandID{hidio.CommandTestPacket})

	// First chunk of a two-chunk message, then a Sync instead of the
	// continuation.
	first := []byte{0x10, 0x04, 0x02, 0x00, 0xAA, 0xBB}
	if err := d.RxQueue().Enqueue(first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := d.RxQueue().Enqueue([]byte{0x60}); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}

	n, err := d.ProcessRx(0)
	if err != nil {
		t.Fatalf("ProcessRx() error = %v", err)
	}
	// Only the Sync completes; it is not dispatched to a handler.
	if n != 1 {
		t.Fatalf("completed %d messages, want 1 (sync)", n)
	}
	if h.gotTestAck != nil {
		t.Fatal("partial message reached the handler")
	}
	if len(d.RxBuffer().Data) != 0 || d.RxBuffer().Done {
		t.Fatal("reassembly buffer not reset by sync")
	}
}
