package packets

import "fmt"

// Message types.
const (
	HelloReqType uint32 = iota
	HelloRespType
	EmployeeListReqType
	EmployeeListRespType
	EmployeeAddReqType
	EmployeeAddRespType
	EmployeeDelReqType
	EmployeeDelRespType
	EmployeeUpdateReqType
	EmployeeUpdateRespType
	GoodbyeReqType
	GoodbyeRespType
	ErrorType
)

var typeNames = map[uint32]string{
	HelloReqType:           "HelloReq",
	HelloRespType:          "HelloResp",
	EmployeeListReqType:    "EmployeeListReq",
	EmployeeListRespType:   "EmployeeListResp",
	EmployeeAddReqType:     "EmployeeAddReq",
	EmployeeAddRespType:    "EmployeeAddResp",
	EmployeeDelReqType:     "EmployeeDelReq",
	EmployeeDelRespType:    "EmployeeDelResp",
	EmployeeUpdateReqType:  "EmployeeUpdateReq",
	EmployeeUpdateRespType: "EmployeeUpdateResp",
	GoodbyeReqType:         "GoodbyeReq",
	GoodbyeRespType:        "GoodbyeResp",
	ErrorType:              "Error",
}

// Name returns a printable name for a message type.
func Name(t uint32) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%#x)", t)
}

// ErrorCode identifies why a request failed.
type ErrorCode uint32

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeProtoVersion
	ErrCodeNotFound
	ErrCodeStoreFull
	ErrCodeBadRequest
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeProtoVersion:
		return "unsupported protocol version"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodeStoreFull:
		return "store full"
	case ErrCodeBadRequest:
		return "bad request"
	case ErrCodeInternal:
		return "internal error"
	}
	return fmt.Sprintf("code %d", uint32(c))
}

// HelloReq opens a session. The server answers with HelloResp if it speaks Proto.
type HelloReq struct {
	Proto uint32
}

type HelloResp struct {
	Proto uint32
}

// EmployeeRecord is the wire form of a stored employee.
type EmployeeRecord struct {
	Name    string
	Address string
	Hours   uint32
}

type EmployeeListResp struct {
	Employees []EmployeeRecord
}

type EmployeeAddReq struct {
	Name    string
	Address string
	Hours   uint32
}

// EmployeeAddResp carries the number of records after the add.
type EmployeeAddResp struct {
	Count uint32
}

type EmployeeDelReq struct {
	Name string
}

type EmployeeDelResp struct {
	Removed uint32
}

type EmployeeUpdateReq struct {
	Name  string
	Hours uint32
}

type EmployeeUpdateResp struct {
	Updated uint32
}

// Error is sent in place of a response when a request could not be carried out.
type Error struct {
	Code    uint32
	Message string
}
