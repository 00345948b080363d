package serialport

import (
	"errors"
	"fmt"
	"os"

	bugst "go.bug.st/serial"
	"golang.org/x/sys/unix"
)

// Kind classifies a link failure for the reconnection policy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers open/probe/write failures that are retried after the cooldown.
	KindTransient
	// KindConfiguration covers invalid or unreachable port names and permission problems.
	KindConfiguration
	// KindTimeout is an I/O operation that exceeded its timeout. It shares the transient
	// recovery path.
	KindTimeout
	// KindExhausted means the OS refused to hand out another descriptor or buffer.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Retryable reports whether the failure is recovered by the standard cooldown cycle.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

var (
	// ErrTimeout is wrapped by LinkError when an operation exceeds the I/O timeout.
	ErrTimeout = errors.New("i/o timeout")
	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("link closed")
)

// LinkError is the single error type leaving the serial layer.
type LinkError struct {
	Kind Kind
	Op   string
	Port string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("serial %s %s (%s): %v", e.Op, e.Port, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first LinkError in err's chain.
func KindOf(err error) Kind {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// Classify wraps err into a LinkError for op on port. A LinkError is returned unchanged.
func Classify(op, port string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Kind: classify(err), Op: op, Port: port, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return KindExhausted
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission), errors.Is(err, unix.ENOTTY):
		return KindConfiguration
	}

	if code, ok := portErrorCode(err); ok {
		switch code {
		case bugst.PortNotFound, bugst.InvalidSerialPort, bugst.PermissionDenied,
			bugst.InvalidSpeed, bugst.InvalidDataBits, bugst.InvalidParity,
			bugst.InvalidStopBits, bugst.InvalidTimeoutValue:
			return KindConfiguration
		default:
			return KindTransient
		}
	}
	return KindTransient
}

// portErrorCode extracts the go.bug.st/serial error code, which is returned
// both by value and by pointer depending on the platform.
func portErrorCode(err error) (bugst.PortErrorCode, bool) {
	var pp *bugst.PortError
	if errors.As(err, &pp) && pp != nil {
		return pp.Code(), true
	}
	var pv bugst.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	return 0, false
}
