// Package server implements the empdb connection multiplexer: a single goroutine that
// polls the listening socket and every connected client, feeding the bytes it reads
// through the protocol state machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	empdebug "github.com/dcrodman/empdb/internal/core/debug"
	"github.com/dcrodman/empdb/internal/packets"
)

var (
	// ErrNotListening is returned by Serve if Listen has not succeeded.
	ErrNotListening = errors.New("server is not listening")

	errOutboxFull = errors.New("too much unsent data")
	errPeerClosed = errors.New("connection closed by peer")
)

// Options configure a Server.
type Options struct {
	// Port to bind on all interfaces. 0 lets the OS choose.
	Port int
	// MaxConnections is the number of client slots.
	MaxConnections int
	// BufferSize is the capacity of each client's read buffer, and so the largest
	// request the server will accept.
	BufferSize int
	// OutboxLimit is how many unsent response bytes a client may accumulate before
	// the server gives up on it.
	OutboxLimit int
	// Backlog is the listen queue length.
	Backlog int
	// PacketLogging dumps every message to the logger's output.
	PacketLogging bool
}

// Stats are running totals kept by the event loop.
type Stats struct {
	Accepted     int64
	Rejected     int64
	Disconnected int64
	Faults       int64
}

// Server multiplexes every client connection on the goroutine that calls Serve.
// Apart from Stop, Addr and Stats, its methods must not be called concurrently.
type Server struct {
	opts   Options
	store  Store
	logger *logrus.Logger

	slots *SlotTable

	// mu guards the descriptors that Stop and Addr use from other goroutines. The
	// event loop reads listener without it since only the loop itself closes it.
	mu       sync.Mutex
	listener int
	wakeR    int
	wakeW    int
	stopping bool

	accepted     atomic.Int64
	rejected     atomic.Int64
	disconnected atomic.Int64
	faults       atomic.Int64
}

// New returns a Server that has not started listening yet.
func New(opts Options, store Store, logger *logrus.Logger) *Server {
	return &Server{
		opts:     opts,
		store:    store,
		logger:   logger,
		listener: -1,
		wakeR:    -1,
		wakeW:    -1,
		slots:    NewSlotTable(opts.MaxConnections, opts.BufferSize),
	}
}

// Listen binds the listening socket. Errors are not retried.
func (s *Server) Listen() error {
	fd, err := listenSocket(s.opts.Port, s.opts.Backlog)
	if err != nil {
		return err
	}
	r, w, err := wakePipe()
	if err != nil {
		unix.Close(fd)
		return err
	}

	s.mu.Lock()
	s.listener = fd
	s.wakeR, s.wakeW = r, w
	s.mu.Unlock()
	return nil
}

// Addr returns the address of the listening socket, or nil if the server is not
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener < 0 {
		return nil
	}
	addr, err := localAddr(s.listener)
	if err != nil {
		return nil
	}
	return addr
}

// Stats returns a snapshot of the connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:     s.accepted.Load(),
		Rejected:     s.rejected.Load(),
		Disconnected: s.disconnected.Load(),
		Faults:       s.faults.Load(),
	}
}

// Stop makes Serve return after the iteration in progress. It is safe to call from
// any goroutine and more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.wakeW < 0 {
		s.stopping = true
		return
	}
	s.stopping = true
	_, _ = unix.Write(s.wakeW, []byte{0})
}

// Serve runs the event loop until Stop is called or ctx is cancelled. Every client
// connection and the listener are closed before it returns. A non-nil error means
// the poll itself failed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listening, stopping := s.listener >= 0, s.stopping
	s.mu.Unlock()
	if !listening {
		return ErrNotListening
	}
	defer s.shutdown()
	if stopping {
		return nil
	}

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	s.logger.Infof("waiting for connections on %v", s.Addr())

	fds := make([]unix.PollFd, 0, s.slots.Cap()+2)
	owners := make([]int, 0, s.slots.Cap())
	for {
		fds = append(fds[:0],
			unix.PollFd{Fd: int32(s.listener), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN},
		)
		owners = owners[:0]
		for i := 0; i < s.slots.Cap(); i++ {
			sl := s.slots.Slot(i)
			if sl.Empty() {
				continue
			}
			var events int16
			if sl.State != StateDisconnected {
				events |= unix.POLLIN
			}
			if sl.Pending() > 0 {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(sl.Descriptor), Events: events})
			owners = append(owners, i)
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			s.acceptClient()
		}
		if fds[1].Revents != 0 {
			s.logger.Info("stop requested")
			return nil
		}
		for k, i := range owners {
			if revents := fds[k+2].Revents; revents != 0 {
				s.serviceSlot(i, revents)
			}
		}
	}
}

// acceptClient accepts a single pending connection, closing it right away if every
// slot is taken.
func (s *Server) acceptClient() {
	fd, addr, err := acceptSocket(s.listener)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		s.logger.Warnf("failed to accept connection: %s", err)
		return
	}

	i, err := s.slots.Admit(fd, addr)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Infof("rejected connection from %s: %s", addr, err)
		unix.Close(fd)
		return
	}

	s.accepted.Add(1)
	s.logger.WithFields(logrus.Fields{"slot": i, "addr": addr}).Info("accepted connection")
}

// serviceSlot handles the readiness events reported for slot i. Panics are contained
// to the slot.
func (s *Server) serviceSlot(i int, revents int16) {
	sl := s.slots.Slot(i)
	defer func() {
		if err := recover(); err != nil {
			s.faults.Add(1)
			s.logger.Errorf("error in client communication with %s: error=%s, trace: %s",
				sl.Addr, err, debug.Stack())
			s.disconnect(i, fmt.Errorf("panic: %v", err))
		}
	}()

	if revents&unix.POLLNVAL != 0 {
		s.disconnect(i, errors.New("invalid descriptor"))
		return
	}

	if revents&unix.POLLOUT != 0 && sl.Pending() > 0 {
		if err := s.flushOutbox(sl); err != nil {
			s.disconnect(i, err)
			return
		}
	}

	if sl.State == StateDisconnected {
		if sl.Pending() == 0 || revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			s.disconnect(i, nil)
		}
		return
	}

	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.readFromSlot(i)
	}
}

// readFromSlot reads whatever the client has sent and runs every complete message
// through the state machine.
func (s *Server) readFromSlot(i int) {
	sl := s.slots.Slot(i)

	space := sl.space()
	if len(space) == 0 {
		s.faults.Add(1)
		s.disconnect(i, packets.ErrTooLarge)
		return
	}

	n, err := unix.Read(sl.Descriptor, space)
	if err != nil {
		if wouldBlock(err) {
			return
		}
		s.disconnect(i, err)
		return
	}
	if n <= 0 {
		s.disconnect(i, errPeerClosed)
		return
	}
	sl.n += n

	for sl.n > 0 && sl.State != StateDisconnected {
		next, res := Step(sl.State, sl.Buffered(), len(sl.buf), s.store)

		switch res.Verdict {
		case Continue:
			return

		case Fault:
			s.faults.Add(1)
			entry := s.logger.WithFields(logrus.Fields{
				"slot":  i,
				"addr":  sl.Addr,
				"state": sl.State,
				"type":  packets.Name(res.Type),
			})
			if s.opts.PacketLogging {
				entry = entry.WithField("packet", empdebug.Sprint(empdebug.ClientToServer, packets.Name(res.Type), sl.Buffered()))
			}
			entry.Warnf("protocol fault: %s", res.Err)
			// Best effort, and only when it cannot jump ahead of queued responses. The
			// connection is closed either way.
			if res.Response != nil && sl.Pending() == 0 {
				_, _ = unix.Write(sl.Descriptor, res.Response)
			}
			s.disconnect(i, res.Err)
			return

		case Advance:
			if s.opts.PacketLogging {
				s.logPacket(empdebug.ClientToServer, res.Type, sl.Buffered()[:res.Consumed])
			}
			sl.consume(res.Consumed)
			sl.State = next

			if res.Response != nil {
				if s.opts.PacketLogging {
					s.logPacket(empdebug.ServerToClient, packets.DecodeHeader(res.Response).Type, res.Response)
				}
				if err := s.send(sl, res.Response); err != nil {
					s.disconnect(i, err)
					return
				}
			}
		}
	}

	if sl.State == StateDisconnected && sl.Pending() == 0 {
		s.disconnect(i, nil)
	}
}

// send writes as much of frame as the socket accepts and queues the rest.
func (s *Server) send(sl *Slot, frame []byte) error {
	if sl.Pending() > 0 {
		if sl.Pending() >= s.opts.OutboxLimit {
			return errOutboxFull
		}
		sl.out = append(sl.out, frame...)
		return nil
	}

	n, err := unix.Write(sl.Descriptor, frame)
	if err != nil {
		if !wouldBlock(err) {
			return err
		}
		n = 0
	}
	if n < len(frame) {
		sl.out = append(sl.out, frame[n:]...)
	}
	return nil
}

func (s *Server) flushOutbox(sl *Slot) error {
	n, err := unix.Write(sl.Descriptor, sl.out)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		return err
	}
	sl.out = append(sl.out[:0], sl.out[n:]...)
	return nil
}

// disconnect closes the descriptor held by slot i and releases the slot. cause is nil
// for a client that said goodbye.
func (s *Server) disconnect(i int, cause error) {
	sl := s.slots.Slot(i)
	if sl.Empty() {
		return
	}

	if err := unix.Close(sl.Descriptor); err != nil {
		s.logger.Warnf("failed to close client connection: %s", err)
	}

	entry := s.logger.WithFields(logrus.Fields{"slot": i, "addr": sl.Addr})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("disconnected client")

	s.slots.Release(i)
	s.disconnected.Add(1)
}

func (s *Server) logPacket(direction empdebug.Direction, t uint32, data []byte) {
	empdebug.PrintPacket(empdebug.PrintPacketParams{
		Writer:    s.logger.Out,
		Direction: direction,
		Name:      packets.Name(t),
		Data:      data,
	})
}

// shutdown closes every remaining client along with the listener and the wake pipe.
func (s *Server) shutdown() {
	for i := 0; i < s.slots.Cap(); i++ {
		s.disconnect(i, errors.New("server shutting down"))
	}

	s.mu.Lock()
	unix.Close(s.listener)
	s.listener = -1
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	s.wakeR, s.wakeW = -1, -1
	s.stopping = true
	s.mu.Unlock()

	st := s.Stats()
	s.logger.Infof("server exited: accepted=%d rejected=%d disconnected=%d faults=%d",
		st.Accepted, st.Rejected, st.Disconnected, st.Faults)
}
