// Package client implements the client side of the empdb protocol.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dcrodman/empdb/internal/core/debug"
	"github.com/dcrodman/empdb/internal/packets"
)

// ServerError is returned when the server answers a request with an Error message.
type ServerError struct {
	Code    packets.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%s): %s", e.Code, e.Message)
}

// ErrUnexpectedResponse is returned when the server answers with the wrong message type.
var ErrUnexpectedResponse = errors.New("unexpected response")

// A full employee list is the largest response the server sends.
const maxResponseSize = 64 << 20

// Client is a connection to an empdb server.
type Client struct {
	connection net.Conn

	// Timeout bounds each request/response exchange. Zero means no deadline.
	Timeout time.Duration

	// Log every packet sent and received to DebugWriter.
	Debug       bool
	DebugWriter io.Writer
}

// Dial connects to the server at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(connection net.Conn) *Client {
	return &Client{connection: connection}
}

// RemoteAddr returns the server's address.
func (c *Client) RemoteAddr() net.Addr { return c.connection.RemoteAddr() }

// Close the TCP connection.
func (c *Client) Close() error {
	return c.connection.Close()
}

// Hello opens the session. It must be the first request on a connection.
func (c *Client) Hello() error {
	var resp packets.HelloResp
	if err := c.roundTrip(packets.HelloReqType, &packets.HelloReq{Proto: packets.ProtoVersion}, packets.HelloRespType, &resp); err != nil {
		return err
	}
	if resp.Proto != packets.ProtoVersion {
		return fmt.Errorf("server answered with protocol %d", resp.Proto)
	}
	return nil
}

// List returns every employee in the database.
func (c *Client) List() ([]packets.EmployeeRecord, error) {
	var resp packets.EmployeeListResp
	if err := c.roundTrip(packets.EmployeeListReqType, nil, packets.EmployeeListRespType, &resp); err != nil {
		return nil, err
	}
	return resp.Employees, nil
}

// Add appends an employee and returns the number of employees afterwards.
func (c *Client) Add(name, address string, hours uint32) (int, error) {
	req := &packets.EmployeeAddReq{Name: name, Address: address, Hours: hours}
	var resp packets.EmployeeAddResp
	if err := c.roundTrip(packets.EmployeeAddReqType, req, packets.EmployeeAddRespType, &resp); err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// Remove deletes every employee with the given name and returns how many there were.
func (c *Client) Remove(name string) (int, error) {
	var resp packets.EmployeeDelResp
	if err := c.roundTrip(packets.EmployeeDelReqType, &packets.EmployeeDelReq{Name: name}, packets.EmployeeDelRespType, &resp); err != nil {
		return 0, err
	}
	return int(resp.Removed), nil
}

// UpdateHours sets the hours of every employee with the given name.
func (c *Client) UpdateHours(name string, hours uint32) (int, error) {
	req := &packets.EmployeeUpdateReq{Name: name, Hours: hours}
	var resp packets.EmployeeUpdateResp
	if err := c.roundTrip(packets.EmployeeUpdateReqType, req, packets.EmployeeUpdateRespType, &resp); err != nil {
		return 0, err
	}
	return int(resp.Updated), nil
}

// Goodbye ends the session. The server closes the connection once it has answered.
func (c *Client) Goodbye() error {
	return c.roundTrip(packets.GoodbyeReqType, nil, packets.GoodbyeRespType, nil)
}

func (c *Client) roundTrip(reqType uint32, req interface{}, respType uint32, resp interface{}) error {
	if c.Timeout > 0 {
		if err := c.connection.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return err
		}
	}

	if err := c.Send(reqType, req); err != nil {
		return err
	}
	hdr, payload, err := c.Receive()
	if err != nil {
		return err
	}

	switch hdr.Type {
	case respType:
		if resp == nil {
			if len(payload) != 0 {
				return fmt.Errorf("%w: %s with a body", packets.ErrMalformed, packets.Name(hdr.Type))
			}
			return nil
		}
		return packets.Decode(payload, resp)
	case packets.ErrorType:
		var e packets.Error
		if err := packets.Decode(payload, &e); err != nil {
			return err
		}
		return &ServerError{Code: packets.ErrorCode(e.Code), Message: e.Message}
	}
	return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, packets.Name(hdr.Type), packets.Name(respType))
}

// Send encodes a message and writes it to the connection.
func (c *Client) Send(t uint32, payload interface{}) error {
	frame, err := packets.Encode(t, payload)
	if err != nil {
		return err
	}
	if c.Debug {
		c.printPacket(debug.ClientToServer, t, frame)
	}
	return c.transmit(frame)
}

// SendRaw writes data to the connection as-is.
func (c *Client) SendRaw(data []byte) error {
	return c.transmit(data)
}

// transmit writes the contents of data to the TCP connection until all of it
// has been sent.
func (c *Client) transmit(data []byte) error {
	bytesSent := 0

	for bytesSent < len(data) {
		b, err := c.connection.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to server %v: %s", c.RemoteAddr(), err.Error())
		}
		bytesSent += b
	}

	return nil
}

// Receive blocks until a complete message has arrived and returns its header and
// payload.
func (c *Client) Receive() (packets.Header, []byte, error) {
	frame := make([]byte, packets.HeaderSize)
	if _, err := io.ReadFull(c.connection, frame); err != nil {
		return packets.Header{}, nil, err
	}
	hdr := packets.DecodeHeader(frame)
	if hdr.Length > maxResponseSize {
		return hdr, nil, fmt.Errorf("%d byte %s: %w", hdr.Length, packets.Name(hdr.Type), packets.ErrTooLarge)
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(c.connection, payload); err != nil {
		return hdr, nil, fmt.Errorf("reading %s body: %w", packets.Name(hdr.Type), err)
	}

	if c.Debug {
		c.printPacket(debug.ServerToClient, hdr.Type, append(frame, payload...))
	}
	return hdr, payload, nil
}

func (c *Client) printPacket(direction debug.Direction, t uint32, data []byte) {
	if c.DebugWriter == nil {
		return
	}
	_ = debug.PrintPacket(debug.PrintPacketParams{
		Writer:    c.DebugWriter,
		Direction: direction,
		Name:      packets.Name(t),
		Data:      data,
	})
}
