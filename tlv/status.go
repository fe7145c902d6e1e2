package tlv

import "fmt"

// Status is the outcome the peer reports in FieldStatus on every reply.
type Status int64

const (
	StatusSuccess Status = iota
	StatusFail
	StatusNotImplemented
	StatusUsageError
	StatusRWError
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	case StatusNotImplemented:
		return "not implemented"
	case StatusUsageError:
		return "usage error"
	case StatusRWError:
		return "read/write error"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("status(%d)", int64(s))
	}
}
