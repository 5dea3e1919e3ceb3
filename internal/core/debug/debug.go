// Package debug contains helpers for inspecting protocol traffic while
// troubleshooting a server.
package debug

import (
	"fmt"
	"io"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// Direction identifies which side of a connection produced a packet.
type Direction string

const (
	ClientToServer Direction = "client -> server"
	ServerToClient Direction = "server -> client"
)

// PrintPacketParams describes a packet to be printed.
type PrintPacketParams struct {
	Writer    io.Writer
	Direction Direction
	// Name of the packet type, if known.
	Name string
	Data []byte
}

// PrintPacket writes a hex dump of a packet to the writer, prefixed by a line
// describing where the packet came from.
func PrintPacket(params PrintPacketParams) error {
	name := params.Name
	if name == "" {
		name = "unknown"
	}
	if _, err := fmt.Fprintf(params.Writer, "[%s] %s (%d bytes)\n", params.Direction, name, len(params.Data)); err != nil {
		return err
	}
	_, err := io.WriteString(params.Writer, spew.Sdump(params.Data))
	return err
}

// Sprint returns the packet dump as a string, for use in log fields.
func Sprint(direction Direction, name string, data []byte) string {
	var sb strings.Builder
	_ = PrintPacket(PrintPacketParams{Writer: &sb, Direction: direction, Name: name, Data: data})
	return sb.String()
}
