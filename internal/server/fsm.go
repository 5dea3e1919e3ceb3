package server

import (
	"errors"
	"fmt"

	"github.com/dcrodman/empdb/internal/packets"
	"github.com/dcrodman/empdb/internal/store"
)

// State is the position of a client in the protocol.
type State int

const (
	// StateHello is the initial state; the client must introduce itself.
	StateHello State = iota
	// StateMsg accepts database requests until the client says goodbye.
	StateMsg
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "hello"
	case StateMsg:
		return "msg"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Verdict tells the event loop what to do with a connection after a step.
type Verdict int

const (
	// Continue means the buffer does not hold a complete message yet.
	Continue Verdict = iota
	// Advance means one message was consumed.
	Advance
	// Fault means the client broke the protocol and must be disconnected.
	Fault
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Advance:
		return "advance"
	case Fault:
		return "fault"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Result is the outcome of a single Step.
type Result struct {
	Verdict Verdict
	// Response is a complete frame to send back, if any. A Fault may carry one as a
	// courtesy to the client.
	Response []byte
	// Consumed is the number of buffered bytes the message occupied.
	Consumed int
	// Type of the message that was handled, for logging.
	Type uint32
	// Err describes a Fault.
	Err error
}

// ErrUnexpectedMessage is the Fault cause for a message that is not valid in the
// client's current state.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Store is the part of the record store the protocol operates on.
type Store interface {
	Employees() []store.Employee
	AddEmployee(name, address string, hours uint32) (int, error)
	RemoveEmployee(name string) (int, error)
	UpdateHours(name string, hours uint32) (int, error)
}

// Step handles at most one message from the front of buf. limit is the capacity of
// the connection's read buffer; a frame that could never fit in it is a Fault.
func Step(state State, buf []byte, limit int, db Store) (State, Result) {
	if state == StateDisconnected {
		return state, Result{Verdict: Fault, Err: errors.New("connection already closed")}
	}

	hdr, n, err := packets.Peek(buf, limit)
	if err != nil {
		return StateDisconnected, Result{Verdict: Fault, Type: hdr.Type, Err: err}
	}
	if n == 0 {
		return state, Result{Verdict: Continue}
	}
	payload := buf[packets.HeaderSize:n]

	var next State
	var res Result
	switch state {
	case StateHello:
		next, res = stepHello(hdr, payload)
	case StateMsg:
		next, res = stepMsg(hdr, payload, db)
	default:
		return StateDisconnected, Result{Verdict: Fault, Err: fmt.Errorf("unknown state %v", state)}
	}

	res.Type = hdr.Type
	if res.Verdict == Fault {
		return StateDisconnected, res
	}
	res.Consumed = n
	return next, res
}

func stepHello(hdr packets.Header, payload []byte) (State, Result) {
	if hdr.Type != packets.HelloReqType {
		return fault(fmt.Errorf("%w: %s before hello", ErrUnexpectedMessage, packets.Name(hdr.Type)))
	}

	var req packets.HelloReq
	if err := packets.Decode(payload, &req); err != nil {
		return fault(err)
	}
	if req.Proto != packets.ProtoVersion {
		state, res := fault(fmt.Errorf("client requested protocol %d", req.Proto))
		res.Response, _ = errorFrame(packets.ErrCodeProtoVersion,
			fmt.Sprintf("protocol %d is not supported, use %d", req.Proto, packets.ProtoVersion))
		return state, res
	}

	return respond(StateMsg, packets.HelloRespType, &packets.HelloResp{Proto: packets.ProtoVersion})
}

func stepMsg(hdr packets.Header, payload []byte, db Store) (State, Result) {
	switch hdr.Type {
	case packets.EmployeeListReqType:
		if len(payload) != 0 {
			return fault(fmt.Errorf("%w: list request with a body", packets.ErrMalformed))
		}
		employees := db.Employees()
		resp := packets.EmployeeListResp{Employees: make([]packets.EmployeeRecord, len(employees))}
		for i := range employees {
			resp.Employees[i] = packets.EmployeeRecord{
				Name:    employees[i].NameString(),
				Address: employees[i].AddressString(),
				Hours:   employees[i].Hours,
			}
		}
		return respond(StateMsg, packets.EmployeeListRespType, &resp)

	case packets.EmployeeAddReqType:
		var req packets.EmployeeAddReq
		if err := packets.Decode(payload, &req); err != nil {
			return fault(err)
		}
		count, err := db.AddEmployee(req.Name, req.Address, req.Hours)
		if err != nil {
			return respondError(err)
		}
		return respond(StateMsg, packets.EmployeeAddRespType, &packets.EmployeeAddResp{Count: uint32(count)})

	case packets.EmployeeDelReqType:
		var req packets.EmployeeDelReq
		if err := packets.Decode(payload, &req); err != nil {
			return fault(err)
		}
		removed, err := db.RemoveEmployee(req.Name)
		if err != nil {
			return respondError(err)
		}
		return respond(StateMsg, packets.EmployeeDelRespType, &packets.EmployeeDelResp{Removed: uint32(removed)})

	case packets.EmployeeUpdateReqType:
		var req packets.EmployeeUpdateReq
		if err := packets.Decode(payload, &req); err != nil {
			return fault(err)
		}
		updated, err := db.UpdateHours(req.Name, req.Hours)
		if err != nil {
			return respondError(err)
		}
		return respond(StateMsg, packets.EmployeeUpdateRespType, &packets.EmployeeUpdateResp{Updated: uint32(updated)})

	case packets.GoodbyeReqType:
		if len(payload) != 0 {
			return fault(fmt.Errorf("%w: goodbye with a body", packets.ErrMalformed))
		}
		return respond(StateDisconnected, packets.GoodbyeRespType, nil)
	}

	return fault(fmt.Errorf("%w: %s", ErrUnexpectedMessage, packets.Name(hdr.Type)))
}

func fault(err error) (State, Result) {
	return StateDisconnected, Result{Verdict: Fault, Err: err}
}

func respond(next State, t uint32, payload interface{}) (State, Result) {
	frame, err := packets.Encode(t, payload)
	if err != nil {
		return fault(err)
	}
	return next, Result{Verdict: Advance, Response: frame}
}

// respondError answers a request the store refused. The client stays connected.
func respondError(err error) (State, Result) {
	code := errorCode(err)
	frame, encErr := errorFrame(code, err.Error())
	if encErr != nil {
		return fault(encErr)
	}
	return StateMsg, Result{Verdict: Advance, Response: frame}
}

func errorCode(err error) packets.ErrorCode {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return packets.ErrCodeNotFound
	case errors.Is(err, store.ErrStoreFull):
		return packets.ErrCodeStoreFull
	case errors.Is(err, store.ErrFieldTooLong), errors.Is(err, store.ErrEmptyName):
		return packets.ErrCodeBadRequest
	}
	return packets.ErrCodeInternal
}

func errorFrame(code packets.ErrorCode, msg string) ([]byte, error) {
	return packets.Encode(packets.ErrorType, &packets.Error{Code: uint32(code), Message: msg})
}
