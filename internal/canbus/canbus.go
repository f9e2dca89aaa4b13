// Package canbus provides the CAN transport abstraction used by the PDO,
// SDO, EMCY and NMT layers, plus the supervisor's bus-presence probe.
// Grounded on gocanopen's root Bus interface (bus.go) and its brutella/can
// wrapper (socketcan.go).
package canbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/brutella/can"
)

// Frame is a single CAN frame, independent of transport backend.
type Frame struct {
	ID    uint32
	DLC   uint8
	Data  [8]byte
	Flags uint8
}

// FrameHandler receives frames delivered by a Bus subscription.
type FrameHandler interface {
	Handle(frame Frame)
}

// Kind distinguishes transport backends the supervisor treats differently.
// KindTCPTunnel identifies a socketcand-style remote channel, which skips
// the interface-flag polling probe entirely (SPEC_FULL.md §C.3,
// original_source/olaf/canopen/node.py: bus_type == "socketcand").
type Kind int

const (
	KindSocketCAN Kind = iota
	KindVirtual
	KindTCPTunnel
)

// Bus is the transport contract every backend implements.
type Bus interface {
	Send(frame Frame) error
	Subscribe(handler FrameHandler)
	Connect() error
	Close() error
	// InterfaceName names the underlying network interface for the
	// supervisor's probe (e.g. "can0", "vcan0"); empty for non-interface
	// backed transports.
	InterfaceName() string
	Kind() Kind
}

// SocketcanBus wraps github.com/brutella/can, the transport every
// production channel in this repo's teacher lineage uses.
type SocketcanBus struct {
	ifname  string
	bus     *can.Bus
	handler FrameHandler
}

// NewSocketcanBus opens a SocketCAN bus bound to the named Linux interface
// (e.g. "can0", "vcan0"). Grounded on socketcan.go's NewSocketcanBus.
func NewSocketcanBus(ifname string) (*SocketcanBus, error) {
	bus, err := can.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", ifname, err)
	}
	return &SocketcanBus{ifname: ifname, bus: bus}, nil
}

func (s *SocketcanBus) Send(frame Frame) error {
	return s.bus.Publish(can.Frame{ID: frame.ID, Length: frame.DLC, Flags: frame.Flags, Data: frame.Data})
}

func (s *SocketcanBus) Subscribe(handler FrameHandler) {
	s.handler = handler
	s.bus.Subscribe(s)
}

// Handle implements brutella/can's Handler interface.
func (s *SocketcanBus) Handle(frame can.Frame) {
	if s.handler == nil {
		return
	}
	s.handler.Handle(Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func (s *SocketcanBus) Connect() error {
	go s.bus.ConnectAndPublish()
	return nil
}

func (s *SocketcanBus) Close() error {
	return s.bus.Disconnect()
}

func (s *SocketcanBus) InterfaceName() string { return s.ifname }
func (s *SocketcanBus) Kind() Kind            { return KindSocketCAN }

// NewVirtualBus opens a vcan-style interface through the same SocketCAN path
// used by -m/--mock-hw, distinguished only by Kind so the supervisor never
// attempts hardware bitrate resets on it.
func NewVirtualBus(ifname string) (*VirtualBus, error) {
	sc, err := NewSocketcanBus(ifname)
	if err != nil {
		return nil, err
	}
	return &VirtualBus{SocketcanBus: sc}, nil
}

// VirtualBus is a vcan-backed Bus used for -m/--mock-hw runs and tests.
type VirtualBus struct {
	*SocketcanBus
}

func (v *VirtualBus) Kind() Kind { return KindVirtual }

// TCPTunnelBus speaks the socketcand ASCII line protocol over a plain TCP
// socket: "< open CHANNEL >" / "< rawmode >" handshake, then one
// "< frame ID DATAHEX >" line per CAN frame in either direction. The
// supervisor treats this transport as always-up and restarts it exactly
// once on entry to the up state rather than polling interface flags
// (SPEC_FULL.md §C.3, original_source/olaf/canopen/node.py's
// bus_type == "socketcand" branch).
type TCPTunnelBus struct {
	hostport string
	channel  string

	mu      sync.Mutex
	conn    net.Conn
	handler FrameHandler
}

// NewTCPTunnelBus records the remote socketcand address; Connect performs
// the actual dial. addr is "host:port/channel" (the "tcp://" scheme is
// stripped by the caller); a missing "/channel" suffix defaults to "can0".
func NewTCPTunnelBus(addr string) *TCPTunnelBus {
	hostport, channel := addr, "can0"
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		hostport, channel = addr[:i], addr[i+1:]
	}
	return &TCPTunnelBus{hostport: hostport, channel: channel}
}

func (t *TCPTunnelBus) Send(frame Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("canbus: tcp tunnel to %s not connected", t.hostport)
	}
	line := fmt.Sprintf("< frame %X %s >\n", frame.ID, hex.EncodeToString(frame.Data[:frame.DLC]))
	_, err := conn.Write([]byte(line))
	return err
}

func (t *TCPTunnelBus) Subscribe(handler FrameHandler) { t.handler = handler }

// Connect dials the socketcand endpoint, performs the open/rawmode
// handshake, and starts a reader goroutine that parses "< frame ... >"
// lines into Frame values for the subscribed handler.
func (t *TCPTunnelBus) Connect() error {
	conn, err := net.Dial("tcp", t.hostport)
	if err != nil {
		return fmt.Errorf("canbus: dial %s: %w", t.hostport, err)
	}
	rd := bufio.NewReader(conn)
	if err := socketcandHandshake(conn, rd, t.channel); err != nil {
		conn.Close()
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop(conn, rd)
	return nil
}

func (t *TCPTunnelBus) readLoop(conn net.Conn, rd *bufio.Reader) {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		frame, ok := parseSocketcandFrame(line)
		if !ok {
			continue
		}
		if t.handler != nil {
			t.handler.Handle(frame)
		}
	}
}

// socketcandHandshake performs the "< open CHANNEL >" / "< rawmode >"
// exchange, each acknowledged with "< ok >" by a compliant server.
func socketcandHandshake(conn net.Conn, rd *bufio.Reader, channel string) error {
	steps := []string{
		fmt.Sprintf("< open %s >\n", channel),
		"< rawmode >\n",
	}
	for _, step := range steps {
		if _, err := conn.Write([]byte(step)); err != nil {
			return fmt.Errorf("canbus: socketcand handshake write: %w", err)
		}
		reply, err := rd.ReadString('\n')
		if err != nil {
			return fmt.Errorf("canbus: socketcand handshake read: %w", err)
		}
		if !strings.Contains(reply, "ok") {
			return fmt.Errorf("canbus: socketcand handshake rejected: %s", strings.TrimSpace(reply))
		}
	}
	return nil
}

// parseSocketcandFrame decodes "< frame ID TIMESTAMP DATAHEX >" (received
// form, with a timestamp field) or "< frame ID DATAHEX >" (the form this
// client itself writes) into a Frame.
func parseSocketcandFrame(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "<")
	line = strings.TrimSuffix(line, ">")
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "frame" {
		return Frame{}, false
	}
	id, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return Frame{}, false
	}
	dataField := fields[len(fields)-1]
	data, err := hex.DecodeString(dataField)
	if err != nil || len(data) > 8 {
		return Frame{}, false
	}
	frame := Frame{ID: uint32(id), DLC: uint8(len(data))}
	copy(frame.Data[:], data)
	return frame, true
}

func (t *TCPTunnelBus) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *TCPTunnelBus) InterfaceName() string { return "" }
func (t *TCPTunnelBus) Kind() Kind             { return KindTCPTunnel }
