package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// hotplugMonitor listens for udev events and asks for a rescan when a
// serial, video or USB device appears or disappears.
type hotplugMonitor struct {
	onEvent func()

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newHotplugMonitor(onEvent func()) *hotplugMonitor {
	return &hotplugMonitor{onEvent: onEvent}
}

// Start connects to the udev netlink socket. Failure is not fatal: the
// scanner keeps its interval scans.
func (m *hotplugMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		debug.Warn("Discovery: udev netlink unavailable, relying on interval scans: %v", err)
		return
	}
	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.loop(ctx, conn, quit)
	debug.Verbose("Discovery: hotplug monitor started")
}

// Stop closes the socket. It is safe to call more than once.
func (m *hotplugMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false
}

// Running reports whether the netlink socket is open.
func (m *hotplugMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// monitorDrainGrace bounds how long a stopped monitor's channels are drained.
const monitorDrainGrace = 2 * time.Second

func (m *hotplugMonitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error, 1)
	monitorQuit := conn.Monitor(queue, errs, hotplugMatcher())
	defer func() {
		close(monitorQuit)
		go drainMonitor(queue, errs, monitorDrainGrace)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case ev := <-queue:
			m.handle(ev)
		case err := <-errs:
			debug.Warn("Discovery: udev monitor error: %v", err)
		}
	}
}

// drainMonitor unblocks the netlink reader after the loop has returned. The
// reader ends with one error once the socket is closed; events and parse
// errors sent before that are discarded.
func drainMonitor(queue <-chan netlink.UEvent, errs <-chan error, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-queue:
		case err := <-errs:
			debug.Trace("Discovery: udev monitor stopped: %v", err)
			return
		case <-timer.C:
			return
		}
	}
}

func (m *hotplugMonitor) handle(ev netlink.UEvent) {
	debug.Verbose("Discovery: udev %s %s (%s)", ev.Action, ev.Env["DEVNAME"], ev.Env["SUBSYSTEM"])
	if m.onEvent != nil {
		m.onEvent()
	}
}

// hotplugMatcher matches add/remove events of tty, video4linux and usb devices.
func hotplugMatcher() netlink.Matcher {
	action := "^(add|remove)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^(tty|video4linux|usb)$",
		},
	})
	return rules
}
