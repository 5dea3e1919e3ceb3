package server

import "errors"

const (
	// emptyDescriptor marks a free slot.
	emptyDescriptor = -1
	// NotFound is returned by FindByDescriptor when no slot holds the descriptor.
	NotFound = -1
)

// ErrServerFull is returned by Admit when every slot is occupied.
var ErrServerFull = errors.New("server full")

// Slot holds the state of one connected client. Slots are owned by the SlotTable and
// only ever touched from the event loop.
type Slot struct {
	Descriptor int
	State      State
	Addr       string

	// buf accumulates bytes of the message in progress; its length never changes.
	buf []byte
	n   int
	// out holds response bytes the socket would not take yet.
	out []byte
}

// Empty reports whether the slot is free.
func (s *Slot) Empty() bool { return s.Descriptor == emptyDescriptor }

// Buffered returns the bytes read but not yet consumed.
func (s *Slot) Buffered() []byte { return s.buf[:s.n] }

// Pending returns the number of response bytes waiting to be written.
func (s *Slot) Pending() int { return len(s.out) }

func (s *Slot) space() []byte { return s.buf[s.n:] }

// consume drops the first k buffered bytes, keeping whatever follows them.
func (s *Slot) consume(k int) {
	copy(s.buf, s.buf[k:s.n])
	s.n -= k
}

func (s *Slot) reset() {
	s.Descriptor = emptyDescriptor
	s.State = StateHello
	s.Addr = ""
	s.n = 0
	s.out = nil
}

// SlotTable is a fixed-capacity registry of client connections. It is not safe for
// concurrent use.
type SlotTable struct {
	slots []Slot
}

// NewSlotTable allocates capacity empty slots, each with a read buffer of bufSize bytes.
func NewSlotTable(capacity, bufSize int) *SlotTable {
	t := &SlotTable{slots: make([]Slot, capacity)}
	for i := range t.slots {
		t.slots[i].buf = make([]byte, bufSize)
		t.slots[i].reset()
	}
	return t
}

// Cap returns the number of slots.
func (t *SlotTable) Cap() int { return len(t.slots) }

// Len returns the number of occupied slots.
func (t *SlotTable) Len() int {
	n := 0
	for i := range t.slots {
		if !t.slots[i].Empty() {
			n++
		}
	}
	return n
}

// Admit places fd in the lowest-index empty slot in the initial protocol state.
// The table is left untouched if it is full.
func (t *SlotTable) Admit(fd int, addr string) (int, error) {
	for i := range t.slots {
		if t.slots[i].Empty() {
			t.slots[i].reset()
			t.slots[i].Descriptor = fd
			t.slots[i].Addr = addr
			return i, nil
		}
	}
	return NotFound, ErrServerFull
}

// FindByDescriptor returns the index of the slot holding fd, or NotFound.
func (t *SlotTable) FindByDescriptor(fd int) int {
	if fd == emptyDescriptor {
		return NotFound
	}
	for i := range t.slots {
		if t.slots[i].Descriptor == fd {
			return i
		}
	}
	return NotFound
}

// Release empties slot i. Closing the descriptor is left to the caller.
func (t *SlotTable) Release(i int) {
	t.slots[i].reset()
}

// Slot returns a pointer to slot i.
func (t *SlotTable) Slot(i int) *Slot { return &t.slots[i] }
