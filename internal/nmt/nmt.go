// Package nmt implements the node's own NMT state machine and heartbeat
// production. Grounded on gocanopen's pkg/nmt (state/command constants,
// NMT.Handle) and pkg/heartbeat (producer side of HBConsumer's timer
// pattern), narrowed to the single-node, producer-only role this repo's
// runtime needs — no NMT master or heartbeat-consumer functionality, since
// spec.md scopes this repo to one node hosting resources, not a network
// supervisor.
package nmt

import (
	"fmt"
	"sync"

	"github.com/oresat/oresat-node-core/internal/canbus"
)

// NMT states, reused from gocanopen's pkg/nmt state constants (CiA-301).
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational     uint8 = 5
	StateStopped         uint8 = 4
)

// Command is an NMT service command (CiA-301 §7.2.8.3).
type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

const serviceID = 0x000
const heartbeatServiceID = 0x700

// StateChangeCallback is invoked whenever the node's NMT state changes.
type StateChangeCallback func(state uint8)

// NMT tracks this node's CiA-301 state and produces heartbeats. Grounded on
// pkg/nmt.NMT's Handle/setState/sendHeartbeat shape.
type NMT struct {
	mu     sync.RWMutex
	bus    canbus.Bus
	nodeID uint8
	state  uint8

	callbacks []StateChangeCallback
}

// New constructs an NMT tracker starting in PRE-OPERATIONAL, the CiA-301
// mandated state after initialization completes.
func New(bus canbus.Bus, nodeID uint8) *NMT {
	return &NMT{bus: bus, nodeID: nodeID, state: StatePreOperational}
}

// Handle processes an incoming NMT command frame addressed to this node (or
// broadcast, node id 0).
func (n *NMT) Handle(frame canbus.Frame) {
	if frame.ID != serviceID || frame.DLC < 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != n.nodeID {
		return
	}
	n.processCommand(Command(frame.Data[0]))
}

func (n *NMT) processCommand(cmd Command) {
	switch cmd {
	case CommandEnterOperational:
		n.setState(StateOperational)
	case CommandEnterStopped:
		n.setState(StateStopped)
	case CommandEnterPreOperational:
		n.setState(StatePreOperational)
	case CommandResetNode, CommandResetCommunication:
		n.setState(StateInitializing)
	}
}

func (n *NMT) setState(state uint8) {
	n.mu.Lock()
	if n.state == state {
		n.mu.Unlock()
		return
	}
	n.state = state
	callbacks := append([]StateChangeCallback{}, n.callbacks...)
	n.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}

// State returns the current NMT state.
func (n *NMT) State() uint8 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState forces a local state transition, e.g. once startup completes.
func (n *NMT) SetState(state uint8) {
	n.setState(state)
}

// OnStateChange registers a callback invoked on every state transition.
func (n *NMT) OnStateChange(cb StateChangeCallback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, cb)
}

// SendHeartbeat transmits the 1-byte heartbeat frame carrying the current
// NMT state (CiA-301 §7.2.4), addressed to COB-ID 0x700 + node id.
func (n *NMT) SendHeartbeat() error {
	frame := canbus.Frame{ID: heartbeatServiceID + uint32(n.nodeID), DLC: 1}
	frame.Data[0] = n.State()
	if err := n.bus.Send(frame); err != nil {
		return fmt.Errorf("nmt: send heartbeat: %w", err)
	}
	return nil
}
