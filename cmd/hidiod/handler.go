package main

import (
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hid-io/gohidio/internal/hidio"
	appversion "github.com/hid-io/gohidio/internal/version"
)

// hostSupportedIDs is the command set this daemon answers. Synthetic
// keystroke and display-server integrations live outside the daemon, so
// text-carrying commands are accepted and logged for downstream
// consumers.
var hostSupportedIDs = []hidio.CommandID{
	hidio.CommandSupportedIDs,
	hidio.CommandGetInfo,
	hidio.CommandTestPacket,
	hidio.CommandResetHidIo,
	hidio.CommandUnicodeText,
	hidio.CommandUnicodeState,
	hidio.CommandSleepMode,
	hidio.CommandOpenURL,
	hidio.CommandTerminalOut,
}

// hostHandler is the daemon's command surface for device requests.
type hostHandler struct {
	hidio.UnimplementedHandler

	log *slog.Logger
}

// newHostHandler builds the host command handler.
func newHostHandler(log *slog.Logger) *hostHandler {
	return &hostHandler{log: log}
}

// SupportedID reports whether the daemon dispatches the given command.
func (h *hostHandler) SupportedID(id hidio.CommandID) bool {
	for _, i := range hostSupportedIDs {
		if i == id {
			return true
		}
	}
	return false
}

func (h *hostHandler) OnSupportedIDs(hidio.SupportedIDsCmd) (hidio.SupportedIDsAck, error) {
	return hidio.SupportedIDsAck{IDs: hostSupportedIDs}, nil
}

func (h *hostHandler) OnGetInfo(cmd hidio.GetInfoCmd) (hidio.GetInfoAck, error) {
	ack := hidio.GetInfoAck{Property: cmd.Property}

	switch cmd.Property {
	case hidio.InfoPropertyMajorVersion:
		ack.Number = versionComponent(0)
	case hidio.InfoPropertyMinorVersion:
		ack.Number = versionComponent(1)
	case hidio.InfoPropertyPatchVersion:
		ack.Number = versionComponent(2)
	case hidio.InfoPropertyOsType:
		ack.Str = runtime.GOOS
	case hidio.InfoPropertyOsVersion:
		ack.Str = osVersion()
	case hidio.InfoPropertyHostSoftwareName:
		ack.Str = "hidiod " + appversion.Version
	default:
		// Device-side properties have no meaning on the host.
		return hidio.GetInfoAck{}, &hidio.NakError{}
	}
	return ack, nil
}

func (h *hostHandler) OnTestPacket(cmd hidio.TestPacketCmd) (hidio.TestPacketAck, error) {
	return hidio.TestPacketAck{Data: cmd.Data}, nil
}

func (h *hostHandler) OnResetHidIo(hidio.ResetHidIoCmd) (hidio.ResetHidIoAck, error) {
	h.log.Info("device requested HID-IO reset")
	return hidio.ResetHidIoAck{}, nil
}

func (h *hostHandler) OnUnicodeText(cmd hidio.UnicodeTextCmd) (hidio.UnicodeTextAck, error) {
	h.log.Info("unicode text received",
		slog.String("text", cmd.Text),
	)
	return hidio.UnicodeTextAck{}, nil
}

func (h *hostHandler) OnUnicodeState(cmd hidio.UnicodeStateCmd) (hidio.UnicodeStateAck, error) {
	h.log.Debug("unicode state updated",
		slog.String("symbols", cmd.Symbols),
	)
	return hidio.UnicodeStateAck{}, nil
}

func (h *hostHandler) OnSleepMode(hidio.SleepModeCmd) (hidio.SleepModeAck, error) {
	// Triggering host sleep needs a session integration this daemon does
	// not carry.
	return hidio.SleepModeAck{}, &hidio.NakError{
		Data: []byte{byte(hidio.SleepModeErrorNotSupported)},
	}
}

func (h *hostHandler) OnOpenURL(cmd hidio.OpenURLCmd) (hidio.OpenURLAck, error) {
	h.log.Info("device requested URL open",
		slog.String("url", cmd.URL),
	)
	return hidio.OpenURLAck{}, nil
}

func (h *hostHandler) OnTerminalOut(cmd hidio.TerminalOutCmd) (hidio.TerminalOutAck, error) {
	h.log.Info("terminal output received",
		slog.String("text", cmd.Text),
	)
	return hidio.TerminalOutAck{}, nil
}

// versionComponent extracts one dotted component of the build version,
// tolerating a leading "v" and "dev" builds.
func versionComponent(idx int) uint16 {
	v := strings.TrimPrefix(appversion.Version, "v")
	parts := strings.Split(v, ".")
	if idx >= len(parts) {
		return 0
	}

	// Strip pre-release/build suffixes ("1-rc1" -> "1").
	num := parts[idx]
	if cut := strings.IndexAny(num, "-+"); cut >= 0 {
		num = num[:cut]
	}

	n, err := strconv.ParseUint(num, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// osVersion returns the kernel release string.
func osVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Release[:])
}
