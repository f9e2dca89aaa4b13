// Package supervisor implements the BusSupervisor state machine: the 1 Hz
// control loop that classifies the CAN interface's health and drives
// CANopen stack start/stop/restart transitions, optionally invoking
// privileged link-reset commands. Grounded on gocanopen's bus_manager.go
// (the unix.CAN_SFF_MASK-using frame classifier and its polling idiom) for
// the general shape of an interface-state-driven control loop, and on
// original_source/olaf/canopen/node.py's _monitor_can for the exact state
// machine, log-suppression flags, and socketcand special case spec.md §4.5
// and SPEC_FULL.md §C.2 describe.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// State is one of the four bus health classifications (spec.md §4.5).
type State int

const (
	NotFound State = iota
	Down
	UpNetworkDown
	UpNetworkUp
)

func (s State) String() string {
	switch s {
	case NotFound:
		return "NOT_FOUND"
	case Down:
		return "DOWN"
	case UpNetworkDown:
		return "UP_NETWORK_DOWN"
	case UpNetworkUp:
		return "UP_NETWORK_UP"
	default:
		return "UNKNOWN"
	}
}

// InterfaceProbe reports the administrative/link state of a named network
// interface, backing the 1 Hz classifier. SocketCAN channels probe via
// golang.org/x/sys/unix ioctls; a TCP-tunneled channel never calls this
// (handled as a special case, see Supervisor.tick).
type InterfaceProbe interface {
	// Exists reports whether the device node / interface is present at all.
	Exists(ifname string) bool
	// IsUp reports whether the interface is administratively up.
	IsUp(ifname string) bool
}

// LinkResetter executes the privileged link bounce sequence
// ("ip link set X down; ip link set X type can bitrate B; ip link set X up").
// The supervisor calls it only when constructed as privileged and with a
// non-nil resetter; otherwise it only logs.
type LinkResetter interface {
	Reset(ifname string, bitrate int) error
}

// Logger is the minimal logging surface the supervisor needs, satisfied by
// internal/rlog's handle.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NetworkController is implemented by the runtime: it owns constructing and
// tearing down the CANopen "network" (NMT/heartbeat/PDO/SDO handle) that
// only exists while the bus is UP_NETWORK_UP or UP_NETWORK_DOWN-transitioning.
type NetworkController interface {
	StartNetwork() error
	StopNetwork()
	EmitBusRecovered()
}

// Supervisor runs the bus state machine described in spec.md §4.5.
type Supervisor struct {
	ifname    string
	kind      Kind
	bitrate   int
	privileged bool

	probe   InterfaceProbe
	resetter LinkResetter
	network NetworkController
	log     Logger

	mu              sync.RWMutex
	state           State
	networkStarted  bool // StartNetwork has succeeded and not yet been torn down
	firstBusReset   bool // set on entering Down; suppresses repeat "interface down" / "cannot reset link" logs until UP_NETWORK_UP
	firstBusDown    bool // cleared on entering UP_NETWORK_UP; not otherwise consulted
	restartedTunnel bool // socketcand: restart exactly once at entry

	stopCh chan struct{}
	doneCh chan struct{}
}

// Kind mirrors canbus.Kind without importing it, so supervisor stays
// decoupled from the transport package; the runtime passes the right value
// in from canbus.Bus.Kind().
type Kind int

const (
	KindSocketCAN Kind = iota
	KindVirtual
	KindTCPTunnel
)

// New constructs a Supervisor for interface ifname at the given bitrate.
// privileged gates whether link resets are actually attempted.
func New(ifname string, kind Kind, bitrate int, privileged bool, probe InterfaceProbe, resetter LinkResetter, network NetworkController, log Logger) *Supervisor {
	return &Supervisor{
		ifname: ifname, kind: kind, bitrate: bitrate, privileged: privileged,
		probe: probe, resetter: resetter, network: network, log: log,
		state: NotFound,
	}
}

// State returns the supervisor's current classification.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// NetworkUp reports whether a CANopen network handle currently exists (a
// successful StartNetwork not yet torn down, or the UP_NETWORK_UP state),
// satisfying emergency.NetworkStatus.
func (s *Supervisor) NetworkUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networkStarted || s.state == UpNetworkUp
}

// Run starts the 1 Hz control loop; it blocks until Stop is called.
func (s *Supervisor) Run() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.tick() // classify immediately rather than waiting a full second
	for {
		select {
		case <-s.stopCh:
			s.network.StopNetwork()
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (s *Supervisor) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) classify() State {
	if s.kind == KindTCPTunnel {
		return UpNetworkUp // socketcand: skip polling, assume up
	}
	if !s.probe.Exists(s.ifname) {
		return NotFound
	}
	if !s.probe.IsUp(s.ifname) {
		return Down
	}
	s.mu.RLock()
	started := s.networkStarted
	s.mu.RUnlock()
	if started {
		return UpNetworkUp
	}
	return UpNetworkDown
}

func (s *Supervisor) tick() {
	if s.kind == KindTCPTunnel {
		s.mu.Lock()
		already := s.restartedTunnel
		s.restartedTunnel = true
		s.mu.Unlock()
		if !already {
			_ = s.network.StartNetwork()
			s.setState(UpNetworkUp)
		}
		return
	}

	next := s.classify()
	prev := s.State()
	if next == prev {
		return
	}
	s.transition(prev, next)
}

func (s *Supervisor) transition(prev, next State) {
	switch next {
	case NotFound:
		s.network.StopNetwork()
		s.mu.Lock()
		s.networkStarted = false
		s.mu.Unlock()
		s.log.Error("CAN interface not found", "interface", s.ifname)
	case Down:
		s.network.StopNetwork()
		s.mu.Lock()
		s.networkStarted = false
		attempted := s.firstBusReset
		s.firstBusReset = true
		s.mu.Unlock()
		if !attempted {
			s.log.Warn("CAN interface down", "interface", s.ifname)
		}
		if s.privileged && s.resetter != nil {
			if err := s.resetter.Reset(s.ifname, s.bitrate); err != nil {
				s.log.Error("link reset failed", "interface", s.ifname, "error", err)
			}
		} else if !attempted {
			s.log.Warn("not privileged; cannot reset link", "interface", s.ifname)
		}
	case UpNetworkDown:
		if err := s.network.StartNetwork(); err != nil {
			s.log.Error("failed to start CANopen network", "error", err)
			s.setState(Down)
			return
		}
		s.mu.Lock()
		s.networkStarted = true
		s.mu.Unlock()
		if prev == Down {
			s.network.EmitBusRecovered()
		}
	case UpNetworkUp:
		s.mu.Lock()
		s.firstBusReset = false
		s.firstBusDown = false
		s.mu.Unlock()
	}
	s.setState(next)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// UnixInterfaceProbe implements InterfaceProbe using golang.org/x/sys/unix
// ioctls against a throwaway AF_INET socket, grounded on bus_manager.go's
// use of the unix package for low-level CAN frame masking, generalized here
// to IFF_UP interface-flag probing (SPEC_FULL.md §B).
type UnixInterfaceProbe struct{}

func (UnixInterfaceProbe) Exists(ifname string) bool {
	_, err := unix.IfNameIndex()
	if err != nil {
		return false
	}
	idx, err := unixIfIndex(ifname)
	return err == nil && idx != 0
}

func (UnixInterfaceProbe) IsUp(ifname string) bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	var ifr unix.IfreqFlags
	copy(ifr.Name[:], ifname)
	if err := unix.IoctlIfreqFlags(fd, unix.SIOCGIFFLAGS, &ifr); err != nil {
		return false
	}
	return ifr.Flags&unix.IFF_UP != 0
}

func unixIfIndex(ifname string) (uint32, error) {
	names, err := unix.IfNameIndex()
	if err != nil {
		return 0, err
	}
	for _, n := range names {
		if n.Name == ifname {
			return n.Index, nil
		}
	}
	return 0, fmt.Errorf("supervisor: interface %s not found", ifname)
}

// ExecLinkResetter performs the privileged "ip link set <if> down; ip link
// set <if> type can bitrate <b>; ip link set <if> up" sequence via
// os/exec, matching original_source/olaf/_internals/app.py's reset command
// (SPEC_FULL.md §C).
type ExecLinkResetter struct{}

func (ExecLinkResetter) Reset(ifname string, bitrate int) error {
	steps := [][]string{
		{"ip", "link", "set", ifname, "down"},
		{"ip", "link", "set", ifname, "type", "can", "bitrate", fmt.Sprint(bitrate)},
		{"ip", "link", "set", ifname, "up"},
	}
	for _, args := range steps {
		cmd := exec.Command(args[0], args[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("supervisor: %v: %w: %s", args, err, out)
		}
	}
	return nil
}
