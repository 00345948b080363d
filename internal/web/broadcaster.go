package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	subscriberBuffer = 64
	// HistorySize is the number of recent events replayed to a new subscriber,
	// so a page opened mid-session still shows how the session started.
	HistorySize = 32
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster fans turntable events out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	history []string
	now     func() time.Time
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The channel starts with the recent history. The caller must call the cleanup
// when done (e.g. on client disconnect); calling it twice is harmless.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	for _, payload := range b.history {
		ch <- payload
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Broadcast sends an event to all subscribed clients as
// {"t":"...","l":"info","msg":"..."}. Slow clients miss messages instead of
// blocking the turntable.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  b.now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, payload)
	if len(b.history) > HistorySize {
		b.history = append(b.history[:0:0], b.history[len(b.history)-HistorySize:]...)
	}
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// Recent returns the buffered history, oldest first.
func (b *StatusBroadcaster) Recent() []StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StatusEvent, 0, len(b.history))
	for _, payload := range b.history {
		var evt StatusEvent
		if json.Unmarshal([]byte(payload), &evt) == nil {
			out = append(out, evt)
		}
	}
	return out
}

// BroadcastWriter returns an io.Writer for debug.SetOutput. Each line written
// by the debug logger becomes one event whose level comes from its tag.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		level, msg := splitLogLine(line)
		if msg != "" {
			w.b.Broadcast(level, msg)
		}
	}
	return len(p), nil
}

const logPrefix = "[turntable360] "

var logTags = map[string]string{
	"[INFO]":    "info",
	"[WARN]":    "warn",
	"[ERROR]":   "error",
	"[LIVE]":    "live",
	"[VERBOSE]": "verbose",
	"[TRACE]":   "trace",
	"[WIRE]":    "trace",
	"[GPIO]":    "trace",
}

// splitLogLine drops the logger prefix and timestamp and maps the level tag.
// Untagged lines are reported as "info".
func splitLogLine(line string) (level, msg string) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, logPrefix); ok {
		// date and time fields written by log.LstdFlags
		if f := strings.SplitN(rest, " ", 3); len(f) == 3 {
			rest = f[2]
		}
		line = strings.TrimSpace(rest)
	}
	level, msg, first := "info", line, -1
	for tag, lvl := range logTags {
		if i := strings.Index(line, tag); i >= 0 && (first < 0 || i < first) {
			first = i
			level, msg = lvl, strings.TrimSpace(line[i+len(tag):])
		}
	}
	return level, msg
}
