package debug

import (
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (connection changes, capture plan)
	LevelLive    = 2 // Live info (rotations, photos taken)
	LevelVerbose = 3 // Verbose (settle waits, discovery details)
	LevelTrace   = 4 // Trace (raw serial frames)
)

var (
	mu     sync.RWMutex
	level  int
	logger *log.Logger
	out    io.Writer = os.Stdout
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (connection state, plan, device counts)
// 2 = live info (rotations, photos taken)
// 3 = verbose (settle waits, probe results, discovery details)
// 4 = trace (serial frames, GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, "[turntable360] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output (e.g. to tee into the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lg := level, logger
	mu.RUnlock()
	if l >= minLevel && lg != nil {
		lg.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Warn prints a level 1 warning. Warnings describe a degraded but recoverable situation.
func Warn(format string, args ...interface{}) {
	printf(LevelInfo, "[WARN] "+format, args...)
}

// Summary prints an important summary banner (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Plan prints the capture plan (level 1).
func Plan(steps int, stepDegrees float64, pulse time.Duration) {
	printf(LevelInfo, "[INFO] Plan: %d steps of %.2f° (pulse %v each)", steps, stepDegrees, pulse)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// Rotate prints a turntable rotation (level 2).
func Rotate(degrees float64, pulse time.Duration) {
	printf(LevelLive, "[LIVE] Turntable: rotating %.2f° (relay pulse %v)", degrees, pulse)
}

// Shot prints a photo capture (level 2).
func Shot(n, total int, path string) {
	printf(LevelLive, "[LIVE] Photo %d/%d taken: %s", n, total, path)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// Wire prints a raw serial frame (level 4). dir is "tx" or "rx".
func Wire(dir, port string, payload []byte) {
	printf(LevelTrace, "[WIRE] %s %s %q", dir, port, payload)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}

// Errorf prints a formatted error message (level 1+).
func Errorf(format string, args ...interface{}) {
	printf(LevelInfo, "[ERROR] "+format, args...)
}
