// Package hidio implements the core HID-IO framing protocol.
//
// This includes the packet codec, the chunking/reassembly packet buffer,
// the bounded byte queues, and the command dispatch layer.
package hidio
