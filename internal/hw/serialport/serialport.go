package serialport

import (
	"errors"
	"strings"
	"sync"
	"time"

	bugst "go.bug.st/serial"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// ResetSettle is how long the microcontroller needs after the port is opened:
// opening the port toggles DTR, which resets the board.
const ResetSettle = 2 * time.Second

// DefaultIOTimeout applies when Config.IOTimeout is zero.
const DefaultIOTimeout = 2 * time.Second

// Config identifies one physical serial connection. It is a value: changing
// any field means opening a new Link.
type Config struct {
	Port      string
	BaudRate  int
	IOTimeout time.Duration
}

func (c Config) ioTimeout() time.Duration {
	if c.IOTimeout <= 0 {
		return DefaultIOTimeout
	}
	return c.IOTimeout
}

// Link is exactly one open physical connection. All calls block the caller
// for at most the configured I/O timeout.
type Link interface {
	// Write sends p in full or fails.
	Write(p []byte) error
	// Read returns up to max bytes received within timeout. An empty result
	// is not an error: it means no data yet.
	Read(max int, timeout time.Duration) ([]byte, error)
	// Flush discards pending input and output.
	Flush() error
	// Close releases the port. It is idempotent.
	Close() error
}

// Opener opens a Link. The Connection Manager takes one so tests can
// substitute a simulated transport.
type Opener func(Config) (Link, error)

// Open opens cfg.Port at cfg.BaudRate, 8N1. The caller must wait ResetSettle
// before treating any traffic as meaningful.
func Open(cfg Config) (Link, error) {
	if strings.TrimSpace(cfg.Port) == "" {
		return nil, &LinkError{Kind: KindConfiguration, Op: "open", Err: errors.New("port address is empty")}
	}
	if cfg.BaudRate <= 0 {
		return nil, &LinkError{Kind: KindConfiguration, Op: "open", Port: cfg.Port, Err: errors.New("baud rate must be > 0")}
	}

	type result struct {
		port bugst.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := bugst.Open(cfg.Port, &bugst.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   bugst.NoParity,
			StopBits: bugst.OneStopBit,
		})
		done <- result{port: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, Classify("open", cfg.Port, r.err)
		}
		debug.Verbose("Serial: opened %s at %d baud", cfg.Port, cfg.BaudRate)
		return &portLink{port: r.port, name: cfg.Port, timeout: cfg.ioTimeout()}, nil
	case <-time.After(cfg.ioTimeout()):
		// Release the handle if the driver eventually answers.
		go func() {
			if r := <-done; r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, &LinkError{Kind: KindTimeout, Op: "open", Port: cfg.Port, Err: ErrTimeout}
	}
}

// portLink is the go.bug.st/serial backed Link.
type portLink struct {
	port    bugst.Port
	name    string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (l *portLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *portLink) Write(p []byte) error {
	if l.isClosed() {
		return &LinkError{Kind: KindTransient, Op: "write", Port: l.name, Err: ErrClosed}
	}
	debug.Wire("tx", l.name, p)

	done := make(chan error, 1)
	go func() {
		for written := 0; written < len(p); {
			n, err := l.port.Write(p[written:])
			if err != nil {
				done <- err
				return
			}
			written += n
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return Classify("write", l.name, err)
	case <-time.After(l.timeout):
		return &LinkError{Kind: KindTimeout, Op: "write", Port: l.name, Err: ErrTimeout}
	}
}

func (l *portLink) Read(max int, timeout time.Duration) ([]byte, error) {
	if l.isClosed() {
		return nil, &LinkError{Kind: KindTransient, Op: "read", Port: l.name, Err: ErrClosed}
	}
	if max <= 0 {
		return []byte{}, nil
	}
	if timeout <= 0 || timeout > l.timeout {
		timeout = l.timeout
	}

	buf := make([]byte, max)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return buf[:got], Classify("read", l.name, err)
		}
		n, err := l.port.Read(buf[got:])
		if err != nil {
			return buf[:got], Classify("read", l.name, err)
		}
		if n == 0 {
			break // read timeout, no more data
		}
		got += n
	}
	debug.Wire("rx", l.name, buf[:got])
	return buf[:got], nil
}

func (l *portLink) Flush() error {
	if l.isClosed() {
		return &LinkError{Kind: KindTransient, Op: "flush", Port: l.name, Err: ErrClosed}
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		return Classify("flush", l.name, err)
	}
	if err := l.port.ResetOutputBuffer(); err != nil {
		return Classify("flush", l.name, err)
	}
	return nil
}

func (l *portLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.port.Close(); err != nil {
		debug.Verbose("Serial: closing %s: %v", l.name, err)
	}
	return nil
}
