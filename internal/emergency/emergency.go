// Package emergency implements EMCY production: the CANopen emergency
// message format and the error-code table, reused from gocanopen's
// pkg/emergency (error code constants) and generalized to the
// raise-on-network-down semantics spec.md requires.
package emergency

import (
	"encoding/binary"
	"fmt"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/od"
)

// Error codes reused verbatim from gocanopen's pkg/emergency/emergency.go.
const (
	ErrNoError         = 0x0000
	ErrGeneric         = 0x1000
	ErrCurrent         = 0x2000
	ErrVoltage         = 0x3000
	ErrTemperature     = 0x4000
	ErrHardware        = 0x5000
	ErrSoftwareDevice  = 0x6000
	ErrMonitoring      = 0x8000
	ErrCommunication   = 0x8100
	ErrCanOverrun      = 0x8110
	ErrCanPassive      = 0x8120
	ErrHeartbeat       = 0x8130
	ErrBusOffRecovered = 0x8140 // COMM_RECOVERED_BUS
	ErrCanIdCollision  = 0x8150
	ErrProtocolError   = 0x8200
	ErrPdoLength       = 0x8210
	ErrPdoLengthExc    = 0x8220 // PROTOCOL_PDO_LEN_EXCEEDED
	ErrRpdoTimeout     = 0x8250
)

const serviceID = 0x80
const maxManufacturerData = 5

// ErrNetworkDown is returned by SendEMCY when the bus is down and the caller
// asked to be notified instead of the send being silently dropped.
var ErrNetworkDown = fmt.Errorf("emergency: bus is down, EMCY not sent")

// NetworkStatus reports whether the bus is currently usable. Implemented by
// the supervisor so EmcyProducer never imports it directly.
type NetworkStatus interface {
	NetworkUp() bool
}

// Producer sends CANopen emergency objects (CiA-301 §7.2.7): an 8-byte frame
// carrying error code, error register and up to 5 bytes of manufacturer
// data, addressed to COB-ID 0x80 + node id.
type Producer struct {
	bus     canbus.Bus
	store   *od.Store
	network NetworkStatus
	nodeID  uint8
}

// NewProducer builds a Producer bound to the given bus, OD (for the error
// register at 0x1001) and network-status source.
func NewProducer(bus canbus.Bus, store *od.Store, network NetworkStatus, nodeID uint8) *Producer {
	return &Producer{bus: bus, store: store, network: network, nodeID: nodeID}
}

// SendEMCY emits an emergency object for errorCode with up to 5 bytes of
// manufacturer-specific data. If the network is down, the send is dropped;
// raiseOnNetworkDown controls whether that is reported as ErrNetworkDown or
// silently ignored (spec.md §4.4).
func (p *Producer) SendEMCY(errorCode uint16, mfgData []byte, raiseOnNetworkDown bool) error {
	if len(mfgData) > maxManufacturerData {
		return fmt.Errorf("emergency: manufacturer data exceeds %d bytes", maxManufacturerData)
	}
	if p.network != nil && !p.network.NetworkUp() {
		if raiseOnNetworkDown {
			return ErrNetworkDown
		}
		return nil
	}

	var errReg byte
	if v, err := p.store.Read(od.IndexErrorRegister, 0); err == nil {
		if u, ok := v.(uint64); ok {
			errReg = byte(u)
		}
	}

	data := [8]byte{}
	binary.LittleEndian.PutUint16(data[0:2], errorCode)
	data[2] = errReg
	copy(data[3:], mfgData)

	frame := canbus.Frame{
		ID:  serviceID + uint32(p.nodeID),
		DLC: 8,
	}
	copy(frame.Data[:], data[:])
	return p.bus.Send(frame)
}
