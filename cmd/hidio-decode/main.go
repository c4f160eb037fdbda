// hidio-decode -- offline HID-IO chunk stream decoder. Reads hex-encoded
// transport chunks and prints the decoded packets, for debugging captures
// of the wire protocol.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hid-io/gohidio/internal/hidio"
	appversion "github.com/hid-io/gohidio/internal/version"
)

// outputFormat controls the output format for decoded packets.
var outputFormat string

// decodedPacket is the YAML-friendly view of one reassembled message.
type decodedPacket struct {
	Ptype      string `yaml:"ptype"`
	ID         string `yaml:"id,omitempty"`
	IDValue    uint32 `yaml:"id_value,omitempty"`
	PayloadLen int    `yaml:"payload_len"`
	Payload    string `yaml:"payload,omitempty"`
}

// rootCmd is the top-level cobra command for hidio-decode.
var rootCmd = &cobra.Command{
	Use:   "hidio-decode",
	Short: "Decode HID-IO chunk streams",
	Long: "hidio-decode reassembles hex-encoded HID-IO transport chunks read from\n" +
		"stdin (one chunk per line) and prints each completed packet.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return decodeStream(cmd.InOrStdin(), cmd.OutOrStdout())
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text",
		"output format: text, yaml")

	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print hidio-decode build information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Println(appversion.Full("hidio-decode"))
		},
	}
}

// decodeStream folds each input line into a reassembly buffer and emits
// every completed packet.
func decodeStream(in io.Reader, out io.Writer) error {
	buf := hidio.NewPacketBuffer(0)
	scanner := bufio.NewScanner(in)

	line := 0
	for scanner.Scan() {
		line++

		text := strings.Join(strings.Fields(scanner.Text()), "")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		chunk, err := hex.DecodeString(text)
		if err != nil {
			return fmt.Errorf("line %d: decode hex: %w", line, err)
		}

		// A line may hold several back-to-back chunks (a raw capture of
		// a multi-chunk message); consume until exhausted.
		for len(chunk) > 0 {
			n, err := buf.DecodePacket(chunk)
			if err != nil {
				return fmt.Errorf("line %d: decode chunk: %w", line, err)
			}
			if n == 0 {
				break
			}
			chunk = chunk[n:]

			if buf.Done {
				if err := printPacket(out, buf); err != nil {
					return err
				}
				buf.Reset()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if len(buf.Data) > 0 && !buf.Done {
		fmt.Fprintf(out, "warning: %d payload bytes awaiting continuation at end of input\n",
			len(buf.Data))
	}
	return nil
}

// printPacket writes one completed packet in the selected format.
func printPacket(out io.Writer, buf *hidio.PacketBuffer) error {
	// Sync carries no id or payload.
	if buf.Ptype == hidio.PacketTypeSync {
		if outputFormat == "yaml" {
			enc, err := yaml.Marshal([]decodedPacket{{Ptype: buf.Ptype.String()}})
			if err != nil {
				return fmt.Errorf("marshal packet: %w", err)
			}
			_, err = out.Write(enc)
			return err
		}
		_, err := fmt.Fprintln(out, "Sync")
		return err
	}

	pkt := decodedPacket{
		Ptype:      buf.Ptype.String(),
		ID:         buf.ID.String(),
		IDValue:    uint32(buf.ID),
		PayloadLen: len(buf.Data),
	}
	if len(buf.Data) > 0 {
		pkt.Payload = hex.EncodeToString(buf.Data)
	}

	if outputFormat == "yaml" {
		enc, err := yaml.Marshal([]decodedPacket{pkt})
		if err != nil {
			return fmt.Errorf("marshal packet: %w", err)
		}
		_, err = out.Write(enc)
		return err
	}

	if pkt.Payload != "" {
		_, err := fmt.Fprintf(out, "%s id=%s (0x%X) payload=%d bytes: %s\n",
			pkt.Ptype, pkt.ID, pkt.IDValue, pkt.PayloadLen, pkt.Payload)
		return err
	}
	_, err := fmt.Fprintf(out, "%s id=%s (0x%X) no payload\n",
		pkt.Ptype, pkt.ID, pkt.IDValue)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
