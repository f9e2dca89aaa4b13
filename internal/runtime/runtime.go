// Package runtime composes the OD store, transport, PDO/SDO/EMCY/NMT
// endpoints, bus supervisor, timers and resource host into the single
// top-level NodeRuntime spec.md §4 describes. Grounded on gocanopen's
// pkg/node.BaseNode (the composition root tying OD/NMT/PDO/SDO together,
// its Read/Write helpers) and on
// original_source/olaf/_internals/app.py's App (the run()/stop() lifecycle,
// signal handling, resource/daemon construction) for the parts BaseNode has
// no equivalent of.
package runtime

import (
	"fmt"
	"time"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/emergency"
	"github.com/oresat/oresat-node-core/internal/nmt"
	"github.com/oresat/oresat-node-core/internal/od"
	"github.com/oresat/oresat-node-core/internal/pdo"
	"github.com/oresat/oresat-node-core/internal/resource"
	"github.com/oresat/oresat-node-core/internal/sdo"
	"github.com/oresat/oresat-node-core/internal/supervisor"
)

// Disposition is the post-exit disposition a run() returns (spec.md §3).
type Disposition int

const (
	SoftReset    Disposition = 1
	HardReset    Disposition = 2
	FactoryReset Disposition = 3
	PowerOff     Disposition = 4
)

const syncCobID = 0x080

// Logger is the slog-style logging surface this package needs; satisfied by
// internal/rlog.Adapter.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config bundles the inputs needed to build a NodeRuntime.
type Config struct {
	NodeID     uint8
	Store      *od.Store
	Bus        canbus.Bus
	Privileged bool
	Bitrate    int
	Log        Logger
}

// NodeRuntime composes the OreSat node's CANopen stack and resource host,
// and owns the top-level run()/stop() lifecycle.
type NodeRuntime struct {
	nodeID uint8
	store  *od.Store
	bus    canbus.Bus
	log    Logger

	nmt  *nmt.NMT
	pdo  *pdo.Engine
	sdo  *sdo.Dispatcher
	emcy *emergency.Producer

	supervisor *supervisor.Supervisor
	host       *resource.Host

	heartbeatLoop *time.Ticker
	heartbeatStop chan struct{}

	tpdoTimers []tpdoTimer

	disposition Disposition
	stopCh      chan struct{}
}

type tpdoTimer struct {
	slot int
	stop func()
}

// New builds a NodeRuntime from cfg. The CANopen network handle (NMT,
// heartbeat, PDO, SDO, EMCY) is not started here — StartNetwork creates it
// each time the supervisor moves into UP_NETWORK_DOWN, and StopNetwork
// tears it down on any downgrade.
func New(cfg Config, host *resource.Host) *NodeRuntime {
	rt := &NodeRuntime{
		nodeID:      cfg.NodeID,
		store:       cfg.Store,
		bus:         cfg.Bus,
		log:         cfg.Log,
		host:        host,
		disposition: SoftReset,
	}

	var kind supervisor.Kind
	switch cfg.Bus.Kind() {
	case canbus.KindVirtual:
		kind = supervisor.KindVirtual
	case canbus.KindTCPTunnel:
		kind = supervisor.KindTCPTunnel
	default:
		kind = supervisor.KindSocketCAN
	}

	rt.supervisor = supervisor.New(
		cfg.Bus.InterfaceName(), kind, cfg.Bitrate, cfg.Privileged,
		supervisor.UnixInterfaceProbe{}, supervisor.ExecLinkResetter{}, rt, rt.log,
	)
	return rt
}

// StartNetwork implements supervisor.NetworkController: it constructs the
// CANopen handle set (NMT, heartbeat, PDO engine, SDO dispatcher, EMCY
// producer), subscribes the bus, brings NMT to OPERATIONAL, and starts the
// per-TPDO event timers (spec.md §4.5 "DOWN -> UP_NETWORK_DOWN").
func (rt *NodeRuntime) StartNetwork() error {
	rt.nmt = nmt.New(rt.bus, rt.nodeID)
	rt.emcy = emergency.NewProducer(rt.bus, rt.store, rt.supervisor, rt.nodeID)

	engine, err := pdo.NewEngine(rt.store, rt.bus, rt.emcy)
	if err != nil {
		return fmt.Errorf("runtime: build PDO engine: %w", err)
	}
	rt.pdo = engine
	rt.sdo = sdo.New(rt.store, rt.bus, rt.nodeID)
	rt.pdo.SetWriteback(rt.sdo)
	rt.pdo.SetNMTStatus(rt.nmt)

	rt.bus.Subscribe(rt)

	hbPeriod := rt.heartbeatPeriod()
	rt.startHeartbeat(hbPeriod)

	rt.nmt.SetState(nmt.StateOperational)

	rt.startTPDOTimers()

	if rt.host != nil {
		if err := rt.host.StartAll(rt); err != nil {
			return fmt.Errorf("runtime: start resources: %w", err)
		}
	}
	return nil
}

// StopNetwork tears down the CANopen handle set, including all TPDO timers,
// which die with it (spec.md §3).
func (rt *NodeRuntime) StopNetwork() {
	if rt.nmt == nil {
		return
	}
	if rt.host != nil {
		rt.host.StopAll()
	}
	rt.stopTPDOTimers()
	rt.stopHeartbeat()
	rt.nmt, rt.pdo, rt.sdo, rt.emcy = nil, nil, nil, nil
}

// EmitBusRecovered implements supervisor.NetworkController.
func (rt *NodeRuntime) EmitBusRecovered() {
	if rt.emcy != nil {
		_ = rt.emcy.SendEMCY(emergency.ErrBusOffRecovered, nil, false)
	}
}

// Handle fans in every received frame to the SYNC/RPDO/SDO/NMT handlers,
// mirroring the teacher's single transport-notifier thread (spec.md §5).
func (rt *NodeRuntime) Handle(frame canbus.Frame) {
	switch {
	case frame.ID == syncCobID:
		if rt.pdo != nil {
			rt.pdo.DispatchSync()
		}
	case frame.ID == 0x000:
		if rt.nmt != nil {
			rt.nmt.Handle(frame)
		}
	case frame.ID>>7 == 0x0C && frame.ID&0x7F == uint32(rt.nodeID): // 0x600+id
		if rt.sdo != nil {
			rt.sdo.Handle(frame)
		}
	default:
		if rt.pdo != nil {
			rt.pdo.HandleFrame(frame)
		}
	}
}

func (rt *NodeRuntime) heartbeatPeriod() time.Duration {
	v, err := rt.store.Read(od.IndexProducerHeartbeatTime, 0)
	if err != nil {
		return time.Second
	}
	u, ok := v.(uint64)
	if !ok || u == 0 {
		return time.Second
	}
	return time.Duration(u) * time.Millisecond
}

func (rt *NodeRuntime) startHeartbeat(period time.Duration) {
	rt.heartbeatLoop = time.NewTicker(period)
	rt.heartbeatStop = make(chan struct{})
	go func() {
		for {
			select {
			case <-rt.heartbeatLoop.C:
				if rt.nmt != nil {
					_ = rt.nmt.SendHeartbeat()
				}
			case <-rt.heartbeatStop:
				return
			}
		}
	}()
}

func (rt *NodeRuntime) stopHeartbeat() {
	if rt.heartbeatLoop != nil {
		rt.heartbeatLoop.Stop()
		close(rt.heartbeatStop)
		rt.heartbeatLoop = nil
	}
}

// ReadOD implements resource.Node.
func (rt *NodeRuntime) ReadOD(index uint16, subindex uint8) (any, error) {
	return rt.store.Read(index, subindex)
}

// WriteOD implements resource.Node.
func (rt *NodeRuntime) WriteOD(index uint16, subindex uint8, value any) error {
	return rt.store.Write(index, subindex, value)
}

// SendTPDO exposes the bound send_tpdo closure resources receive
// (SPEC_FULL.md §C.4).
func (rt *NodeRuntime) SendTPDO(n int, raiseOnNetworkDown bool) error {
	if rt.pdo == nil {
		if raiseOnNetworkDown {
			return emergency.ErrNetworkDown
		}
		return nil
	}
	return rt.pdo.SendTPDO(n, raiseOnNetworkDown)
}

// SendRPDO exposes PdoEngine.SendRPDO, symmetric with SendTPDO (spec.md
// §4.2 "send_rpdo(n, …) is symmetric using 0x1400/0x1600").
func (rt *NodeRuntime) SendRPDO(n int, raiseOnNetworkDown bool) error {
	if rt.pdo == nil {
		if raiseOnNetworkDown {
			return emergency.ErrNetworkDown
		}
		return nil
	}
	return rt.pdo.SendRPDO(n, raiseOnNetworkDown)
}

// Run starts the supervisor loop and blocks until Stop is called, then
// returns the requested disposition (spec.md §4.5 "Exit").
func (rt *NodeRuntime) Run() Disposition {
	rt.stopCh = make(chan struct{})
	go rt.supervisor.Run()
	<-rt.stopCh
	rt.supervisor.Stop()
	if err := rt.bus.Close(); err != nil {
		rt.log.Warn("error closing bus on exit", "error", err)
	}
	return rt.disposition
}

// Stop requests the runtime shut down with the given disposition.
func (rt *NodeRuntime) Stop(disposition Disposition) {
	rt.disposition = disposition
	if rt.stopCh != nil {
		close(rt.stopCh)
	}
}
