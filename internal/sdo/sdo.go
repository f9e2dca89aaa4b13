// Package sdo implements the node's SDO server: an expedited-only
// (<=4 byte) responder for the default SDO channel, plus the name-keyed
// read/write callback registration spec.md §4.3 describes. Grounded on
// gocanopen's pkg/sdo (SDOServer.Handle/Process, the abort code table in
// common.go) for wire framing, and on
// original_source/olaf/canopen/node.py's add_sdo_callbacks/_on_sdo_read/
// _on_sdo_write for the name-keyed registration semantics, which have no
// equivalent in the teacher (gocanopen's SDO layer is purely index/subindex
// keyed, with no resource-facing callback registry).
package sdo

import (
	"encoding/binary"
	"fmt"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/od"
)

// Abort codes reused from gocanopen's pkg/sdo/common.go.
type AbortCode uint32

const (
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortInvalidValue      AbortCode = 0x06090030
	AbortGeneral           AbortCode = 0x08000000
)

const serviceIDRx = 0x600 // client -> server, + node id
const serviceIDTx = 0x580 // server -> client, + node id

const (
	ccsInitiateDownload = 0x20 // command specifier high nibble mask, client request
	ccsInitiateUpload   = 0x40
	scsUploadExpedited  = 0x43
	scsDownloadResponse = 0x60
	scsAbort            = 0x80
)

// ReadCallback is invoked when an SDO upload targets a registered variable.
// For a scalar variable subName is empty; for a compound entry's member it
// names the sub-variable, matching add_sdo_callbacks's (name, sub_name)
// registration shape.
type ReadCallback func(variableName, subName string) (any, error)

// WriteCallback is invoked when an SDO download targets a registered
// variable, after the Store write has already been applied.
type WriteCallback func(variableName, subName string, value any) error

// Dispatcher is the node's SDO server: it resolves (index, subindex) against
// the Object Dictionary and, for names with registered callbacks, notifies
// resource code of the access.
type Dispatcher struct {
	store  *od.Store
	bus    canbus.Bus
	nodeID uint8

	readCallbacks  map[string]ReadCallback
	writeCallbacks map[string]WriteCallback
}

// New constructs a Dispatcher bound to store and nodeID.
func New(store *od.Store, bus canbus.Bus, nodeID uint8) *Dispatcher {
	return &Dispatcher{
		store:          store,
		bus:            bus,
		nodeID:         nodeID,
		readCallbacks:  map[string]ReadCallback{},
		writeCallbacks: map[string]WriteCallback{},
	}
}

// callbackKey builds the registration key for a (variable, sub) pair; empty
// subName addresses a scalar VAR entry.
func callbackKey(variableName, subName string) string {
	if subName == "" {
		return variableName
	}
	return variableName + "/" + subName
}

// AddReadCallback registers cb to run whenever variableName (optionally
// scoped to subName) is read over SDO. If the name does not resolve in the
// OD, registration fails with a warning-level error rather than a panic —
// matching add_sdo_callbacks's log-and-continue behavior — the caller
// (internal/rlog-equipped runtime wiring) is expected to log it.
func (d *Dispatcher) AddReadCallback(variableName, subName string, cb ReadCallback) error {
	if !d.resolves(variableName, subName) {
		return fmt.Errorf("sdo: read callback for unknown entry %q", callbackKey(variableName, subName))
	}
	d.readCallbacks[callbackKey(variableName, subName)] = cb
	return nil
}

// AddWriteCallback registers cb symmetrically with AddReadCallback.
func (d *Dispatcher) AddWriteCallback(variableName, subName string, cb WriteCallback) error {
	if !d.resolves(variableName, subName) {
		return fmt.Errorf("sdo: write callback for unknown entry %q", callbackKey(variableName, subName))
	}
	d.writeCallbacks[callbackKey(variableName, subName)] = cb
	return nil
}

func (d *Dispatcher) resolves(variableName, subName string) bool {
	e := d.store.EntryByName(variableName)
	if e == nil {
		return false
	}
	if subName == "" {
		return true
	}
	_, err := e.SubByName(subName)
	return err == nil
}

// nameFor resolves (index, subindex) back to the entry/sub names a callback
// was registered under.
func (d *Dispatcher) nameFor(index uint16, subIndex uint8) (entryName, subName string, ok bool) {
	for _, e := range d.store.Entries() {
		if e.Index != index {
			continue
		}
		if e.SubCount() == 1 {
			return e.Name, "", true
		}
		for _, v := range e.Variables() {
			if v.SubIndex == subIndex {
				return e.Name, v.Name, true
			}
		}
	}
	return "", "", false
}

// Handle processes one incoming SDO client request frame. Only expedited
// (<=4 byte) initiate-upload and initiate-download transfers are
// implemented; segmented/block transfers are out of scope for this node
// core (spec.md has no requirement on multi-frame SDO).
func (d *Dispatcher) Handle(frame canbus.Frame) {
	if frame.ID != serviceIDRx+uint32(d.nodeID) || frame.DLC < 4 {
		return
	}
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subIndex := frame.Data[3]
	ccs := frame.Data[0] & 0xE0

	switch ccs {
	case ccsInitiateUpload:
		d.handleUpload(index, subIndex)
	case ccsInitiateDownload:
		size := 4 - (frame.Data[0]>>2)&0x3
		if frame.Data[0]&0x02 == 0 {
			size = 4
		}
		d.handleDownload(index, subIndex, frame.Data[4:4+size])
	default:
		d.sendAbort(index, subIndex, AbortGeneral)
	}
}

func (d *Dispatcher) handleUpload(index uint16, subIndex uint8) {
	v, err := d.store.Get(index, subIndex)
	if err != nil {
		d.sendAbort(index, subIndex, AbortNotExist)
		return
	}
	if v.Access == od.AccessWriteOnly {
		d.sendAbort(index, subIndex, AbortWriteOnly)
		return
	}

	raw := v.Raw()
	if len(raw) > 4 {
		d.sendAbort(index, subIndex, AbortGeneral) // segmented upload not implemented
		return
	}

	if entryName, subName, ok := d.nameFor(index, subIndex); ok {
		if cb, ok := d.readCallbacks[callbackKey(entryName, subName)]; ok {
			if val, err := cb(entryName, subName); err == nil {
				if encoded, err := od.EncodeValue(val, v.DataType); err == nil {
					raw = encoded
				}
			}
		}
	}

	n := byte(4 - len(raw))
	cmd := byte(scsUploadExpedited) | (n << 2)
	frame := canbus.Frame{ID: serviceIDTx + uint32(d.nodeID), DLC: 8}
	frame.Data[0] = cmd
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subIndex
	copy(frame.Data[4:], raw)
	_ = d.bus.Send(frame)
}

func (d *Dispatcher) handleDownload(index uint16, subIndex uint8, data []byte) {
	v, err := d.store.Get(index, subIndex)
	if err != nil {
		d.sendAbort(index, subIndex, AbortNotExist)
		return
	}
	if v.Access == od.AccessReadOnly || v.Access == od.AccessConst {
		d.sendAbort(index, subIndex, AbortReadOnly)
		return
	}
	if err := d.WriteAndNotify(index, subIndex, data); err != nil {
		d.sendAbort(index, subIndex, AbortTypeMismatch)
		return
	}

	frame := canbus.Frame{ID: serviceIDTx + uint32(d.nodeID), DLC: 8}
	frame.Data[0] = scsDownloadResponse
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subIndex
	_ = d.bus.Send(frame)
}

// WriteAndNotify writes raw bytes into the OD at (index, subindex) then
// invokes any registered write callback with the decoded value, exactly the
// sequence an SDO download performs. Exported so internal/pdo's RPDO
// ingestion writes through this same path instead of calling
// od.Store.WriteRaw directly, matching spec.md §4.2's "RPDO ingestion
// writes through the SDO write path (so user write callbacks fire)".
func (d *Dispatcher) WriteAndNotify(index uint16, subIndex uint8, data []byte) error {
	v, err := d.store.Get(index, subIndex)
	if err != nil {
		return err
	}
	if err := d.store.WriteRaw(index, subIndex, data); err != nil {
		return err
	}
	if entryName, subName, ok := d.nameFor(index, subIndex); ok {
		if cb, ok := d.writeCallbacks[callbackKey(entryName, subName)]; ok {
			decoded, _ := od.DecodeValue(data, v.DataType)
			_ = cb(entryName, subName, decoded)
		}
	}
	return nil
}

func (d *Dispatcher) sendAbort(index uint16, subIndex uint8, code AbortCode) {
	frame := canbus.Frame{ID: serviceIDTx + uint32(d.nodeID), DLC: 8}
	frame.Data[0] = scsAbort
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subIndex
	binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(code))
	_ = d.bus.Send(frame)
}
