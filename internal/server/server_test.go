package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dcrodman/empdb/internal/client"
	"github.com/dcrodman/empdb/internal/packets"
)

func testOptions(maxConnections int) Options {
	return Options{
		Port:           0,
		MaxConnections: maxConnections,
		BufferSize:     512,
		OutboxLimit:    1 << 20,
		Backlog:        16,
	}
}

type testServer struct {
	*Server
	addr string
	done chan error
}

func startServer(t *testing.T, opts Options, db Store) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.Out = io.Discard
	return startServerWithLogger(t, opts, db, logger)
}

func startServerWithLogger(t *testing.T, opts Options, db Store, logger *logrus.Logger) *testServer {
	t.Helper()
	s := New(opts, db, logger)
	require.NoError(t, s.Listen())

	port := s.Addr().(*net.TCPAddr).Port
	ts := &testServer{
		Server: s,
		addr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		done:   make(chan error, 1),
	}
	go func() { ts.done <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		s.Stop()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(ts.addr, time.Second)
	require.NoError(t, err)
	c.Timeout = 5 * time.Second
	t.Cleanup(func() { c.Close() })
	return c
}

// helloClient dials the server and completes the handshake, which also proves the
// connection was admitted.
func (ts *testServer) helloClient(t *testing.T) *client.Client {
	t.Helper()
	c := ts.dial(t)
	require.NoError(t, c.Hello())
	return c
}

// dialSmallWindow connects with a tiny receive buffer so that the server's writes
// stall as soon as the client stops reading.
func (ts *testServer) dialSmallWindow(t *testing.T) (*client.Client, net.Conn) {
	t.Helper()
	dialer := net.Dialer{
		Timeout: time.Second,
		Control: func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			if err := rc.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := dialer.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := client.NewClient(conn)
	c.Timeout = 10 * time.Second
	return c, conn
}

// fillStore adds n employees with long addresses so that a single list response is
// far larger than the socket buffers.
func fillStore(t *testing.T, db Store, n int) {
	t.Helper()
	address := strings.Repeat("x", 200)
	for i := 0; i < n; i++ {
		_, err := db.AddEmployee(fmt.Sprintf("employee %04d", i), address, uint32(i))
		require.NoError(t, err)
	}
}

// requireClosedByPeer waits for the server to close the connection.
func requireClosedByPeer(t *testing.T, c *client.Client) {
	t.Helper()
	_, _, err := c.Receive()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("connection was not closed by the server: %v", err)
	}
}

func TestServer_CapacityAndSlotReuse(t *testing.T) {
	ts := startServer(t, testOptions(2), newTestStore(t))

	first := ts.helloClient(t)
	second := ts.helloClient(t)

	third := ts.dial(t)
	requireClosedByPeer(t, third)

	// The admitted clients are unaffected.
	_, err := first.List()
	require.NoError(t, err)
	_, err = second.List()
	require.NoError(t, err)

	require.NoError(t, first.Goodbye())
	requireClosedByPeer(t, first)

	fourth := ts.helloClient(t)
	count, err := fourth.Add("Grace H.", "1 Compiler Ct.", 40)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats := ts.Stats()
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestServer_SharedStore(t *testing.T) {
	db := newTestStore(t)
	ts := startServer(t, testOptions(4), db)

	writer := ts.helloClient(t)
	reader := ts.helloClient(t)

	_, err := writer.Add("Timmy H.", "123 Sheshire Ln.", 120)
	require.NoError(t, err)
	_, err = writer.Add("Ada L.", "1 Engine Way", 40)
	require.NoError(t, err)

	updated, err := reader.UpdateHours("ada l.", 45)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	employees, err := reader.List()
	require.NoError(t, err)
	assert.Equal(t, []packets.EmployeeRecord{
		{Name: "Timmy H.", Address: "123 Sheshire Ln.", Hours: 120},
		{Name: "Ada L.", Address: "1 Engine Way", Hours: 45},
	}, employees)

	_, err = reader.Remove("nobody")
	var serverErr *client.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, packets.ErrCodeNotFound, serverErr.Code)

	// A refused request leaves the connection usable.
	removed, err := reader.Remove("timmy h.")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	employees, err = writer.List()
	require.NoError(t, err)
	assert.Equal(t, []packets.EmployeeRecord{
		{Name: "Ada L.", Address: "1 Engine Way", Hours: 45},
	}, employees)
}

func TestServer_OutboxLimitDisconnectsIdleReader(t *testing.T) {
	db := newTestStore(t)
	fillStore(t, db, 2000)

	opts := testOptions(1)
	opts.OutboxLimit = 4096
	ts := startServer(t, opts, db)

	c, conn := ts.dialSmallWindow(t)
	require.NoError(t, c.Hello())

	// Keep asking for the list without reading any of the answers.
	var batch []byte
	listReq := frame(t, packets.EmployeeListReqType, nil)
	for i := 0; i < 200; i++ {
		batch = append(batch, listReq...)
	}
	require.NoError(t, c.SendRaw(batch))

	require.Eventually(t, func() bool {
		return ts.Stats().Disconnected == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), ts.Stats().Faults)

	// Whatever the server managed to send is followed by the close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	received := 0
	for {
		_, _, err := c.Receive()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection was not closed by the server: %v", err)
			}
			break
		}
		received++
	}
	assert.Less(t, received, len(batch)/len(listReq))

	// The slot is free for the next client.
	ts.helloClient(t)
}

func TestServer_SlowReaderReceivesFullList(t *testing.T) {
	db := newTestStore(t)
	fillStore(t, db, 2000)

	opts := testOptions(1)
	opts.OutboxLimit = 4096
	ts := startServer(t, opts, db)

	c, conn := ts.dialSmallWindow(t)
	require.NoError(t, c.Hello())
	require.NoError(t, c.Send(packets.EmployeeListReqType, nil))

	// The response is larger than the outbox limit and the socket buffers, so most of
	// it waits in the outbox until the client starts reading.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	hdr, payload, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, packets.Name(packets.EmployeeListRespType), packets.Name(hdr.Type))

	var resp packets.EmployeeListResp
	require.NoError(t, packets.Decode(payload, &resp))
	require.Len(t, resp.Employees, 2000)
	assert.Equal(t, "employee 1999", resp.Employees[1999].Name)

	// Once drained the connection carries on as normal.
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	employees, err := c.List()
	require.NoError(t, err)
	assert.Len(t, employees, 2000)
	assert.Equal(t, int64(0), ts.Stats().Disconnected)
}

func TestServer_MalformedHelloReleasesSlot(t *testing.T) {
	ts := startServer(t, testOptions(1), newTestStore(t))

	bad := ts.dial(t)
	require.NoError(t, bad.SendRaw([]byte{0, 0, 0, 0x42, 0, 0, 0, 0}))
	requireClosedByPeer(t, bad)

	// The only slot is free again.
	ts.helloClient(t)
	assert.Equal(t, int64(1), ts.Stats().Faults)
}

func TestServer_FaultLogsOffendingPacket(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	opts := testOptions(1)
	opts.PacketLogging = true
	ts := startServerWithLogger(t, opts, newTestStore(t), logger)

	bad := ts.dial(t)
	require.NoError(t, bad.SendRaw([]byte{0, 0, 0, 0x42, 0, 0, 0, 0}))
	requireClosedByPeer(t, bad)

	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level != logrus.WarnLevel {
				continue
			}
			dump, ok := entry.Data["packet"].(string)
			if ok && strings.HasPrefix(dump, "[client -> server] Unknown(0x42) (8 bytes)") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_WrongProtocolVersion(t *testing.T) {
	ts := startServer(t, testOptions(1), newTestStore(t))

	c := ts.dial(t)
	require.NoError(t, c.Send(packets.HelloReqType, &packets.HelloReq{Proto: 1}))

	hdr, payload, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, packets.ErrorType, hdr.Type)

	var e packets.Error
	require.NoError(t, packets.Decode(payload, &e))
	assert.Equal(t, packets.ErrCodeProtoVersion, packets.ErrorCode(e.Code))

	requireClosedByPeer(t, c)
}

func TestServer_PeerDisconnect(t *testing.T) {
	ts := startServer(t, testOptions(1), newTestStore(t))

	c := ts.helloClient(t)
	require.NoError(t, c.Close())

	// The slot is released once the server notices the close, after which the next
	// client is admitted.
	require.Eventually(t, func() bool {
		return ts.Stats().Disconnected == 1
	}, 5*time.Second, 10*time.Millisecond)
	ts.helloClient(t)
}

func TestServer_PipelinedRequests(t *testing.T) {
	ts := startServer(t, testOptions(1), newTestStore(t))
	c := ts.dial(t)

	var batch []byte
	for _, f := range [][]byte{
		frame(t, packets.HelloReqType, &packets.HelloReq{Proto: packets.ProtoVersion}),
		frame(t, packets.EmployeeAddReqType, &packets.EmployeeAddReq{Name: "a", Address: "b", Hours: 1}),
		frame(t, packets.EmployeeAddReqType, &packets.EmployeeAddReq{Name: "c", Address: "d", Hours: 2}),
		frame(t, packets.GoodbyeReqType, nil),
	} {
		batch = append(batch, f...)
	}
	require.NoError(t, c.SendRaw(batch))

	for _, want := range []uint32{
		packets.HelloRespType,
		packets.EmployeeAddRespType,
		packets.EmployeeAddRespType,
		packets.GoodbyeRespType,
	} {
		hdr, _, err := c.Receive()
		require.NoError(t, err)
		assert.Equal(t, packets.Name(want), packets.Name(hdr.Type))
	}
	requireClosedByPeer(t, c)
}

func TestServer_OversizedFrame(t *testing.T) {
	ts := startServer(t, testOptions(1), newTestStore(t))
	c := ts.helloClient(t)

	// Declares a body that cannot fit in the 512 byte buffer.
	require.NoError(t, c.SendRaw([]byte{0, 0, 0, 4, 0, 0, 0x10, 0}))
	requireClosedByPeer(t, c)
}

func TestServer_StopWithConnectedClients(t *testing.T) {
	logger := logrus.New()
	logger.Out = io.Discard
	s := New(testOptions(2), newTestStore(t), logger)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	port := s.Addr().(*net.TCPAddr).Port
	c, err := client.Dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer c.Close()
	c.Timeout = 5 * time.Second
	require.NoError(t, c.Hello())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after the context was cancelled")
	}
	requireClosedByPeer(t, c)
	assert.Nil(t, s.Addr())
}

func TestServer_AddrDuringShutdown(t *testing.T) {
	logger := logrus.New()
	logger.Out = io.Discard
	s := New(testOptions(1), newTestStore(t), logger)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			if s.Addr() == nil {
				return
			}
		}
	}()

	cancel()
	require.NoError(t, <-done)
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("Addr() still reported an address after Serve() returned")
	}
}

func TestServer_ServeWithoutListen(t *testing.T) {
	s := New(testOptions(1), newTestStore(t), logrus.New())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotListening)
}
