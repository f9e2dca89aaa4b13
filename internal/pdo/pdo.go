// Package pdo implements process data object transmission and reception:
// mapping-word packing/unpacking, SYNC-counter-driven TPDO dispatch, and
// RPDO ingestion writing back through the Object Dictionary. Grounded on
// gocanopen's pkg/pdo (common.go's configureMap, tpdo.go/rpdo.go), adapted
// from OD-extension-driven mapping to the fixed 16-slot model spec.md §4.2
// describes.
package pdo

import (
	"errors"
	"fmt"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/emergency"
	"github.com/oresat/oresat-node-core/internal/od"
)

// ErrInvalidArg is returned by SendTPDO when n falls outside [1,16]
// (spec.md §7's InvalidArg error kind, §8's send_tpdo(0)/send_tpdo(17)
// boundary cases).
var ErrInvalidArg = errors.New("pdo: TPDO index out of range [1,16]")

const (
	slotsPerKind = 16
	maxMapped    = od.MaxMappedEntriesPDO
)

// mappingWord packs (index:16, subindex:8, bits:8) into the 32-bit mapping
// parameter value CANopen stores at 16xx/1Axx subindex n, matching
// gocanopen's configureMap unpacking (index>>16, subIndex>>8, length&0xff).
func packMappingWord(index uint16, subIndex uint8, bits uint8) uint32 {
	return uint32(index)<<16 | uint32(subIndex)<<8 | uint32(bits)
}

func unpackMappingWord(word uint32) (index uint16, subIndex uint8, bits uint8) {
	return uint16(word >> 16), uint8(word >> 8), uint8(word)
}

// mappedEntry resolves one mapping-word slot to the OD Variable it refers
// to, along with its bit width.
type mappedEntry struct {
	index    uint16
	subIndex uint8
	variable *od.Variable
	bits     uint8
}

func resolveMapping(store *od.Store, word uint32) (mappedEntry, error) {
	index, subIndex, bits := unpackMappingWord(word)
	if word == 0 {
		return mappedEntry{}, nil // unused slot
	}
	v, err := store.Get(index, subIndex)
	if err != nil {
		return mappedEntry{}, fmt.Errorf("pdo: mapping x%x/x%x: %w", index, subIndex, err)
	}
	return mappedEntry{index: index, subIndex: subIndex, variable: v, bits: bits}, nil
}

// Slot is one configured PDO (RPDO or TPDO) built from its communication and
// mapping OD entries.
type Slot struct {
	n       uint16 // 0-15
	cobID   uint32
	enabled bool
	synchronous bool // transmission type 1-240: SYNC-driven; 254/255: event/acyclic
	transmissionType uint8
	eventTimerMs     uint16
	startDelayMs     uint16
	entries          []mappedEntry
}

func loadSlot(store *od.Store, n uint16, commIndex, mapIndex uint16) (*Slot, error) {
	s := &Slot{n: n}

	commEntry := store.Entry(commIndex)
	if commEntry == nil {
		return nil, fmt.Errorf("pdo: missing communication entry x%x", commIndex)
	}
	cobIDVar, err := commEntry.Sub(od.SubPdoCobID)
	if err != nil {
		return nil, err
	}
	raw := cobIDVar.Raw()
	cobIDField := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	s.enabled = cobIDField&od.CobIDDisabledMask == 0
	s.cobID = cobIDField & od.CobIDMask

	if v, err := commEntry.Sub(od.SubPdoTransmissionType); err == nil {
		s.transmissionType = uint8(v.Raw()[0])
		s.synchronous = s.transmissionType >= 1 && s.transmissionType <= 240
	}
	if v, err := commEntry.Sub(od.SubPdoEventTimer); err == nil {
		b := v.Raw()
		s.eventTimerMs = uint16(b[0]) | uint16(b[1])<<8
	}
	if v, err := commEntry.Sub(od.SubPdoInhibitTime); err == nil {
		b := v.Raw()
		s.startDelayMs = uint16(b[0]) | uint16(b[1])<<8
	}

	mapEntry := store.Entry(mapIndex)
	if mapEntry == nil {
		return nil, fmt.Errorf("pdo: missing mapping entry x%x", mapIndex)
	}
	count, err := mapEntry.Sub(od.SubPdoHighestSubIndex)
	if err != nil {
		return nil, err
	}
	n2 := int(count.Raw()[0])
	if n2 > maxMapped {
		n2 = maxMapped
	}
	for i := 1; i <= n2; i++ {
		sub, err := mapEntry.Sub(uint8(i))
		if err != nil {
			continue
		}
		b := sub.Raw()
		word := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		me, err := resolveMapping(store, word)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, me)
	}
	return s, nil
}

// Writeback performs the write-through-SDO-path semantics spec.md §4.2
// requires of RPDO ingestion: write the raw bytes, then invoke any
// registered SDO write callback on that (index, subindex), exactly like an
// incoming SDO download. Satisfied by *sdo.Dispatcher.WriteAndNotify.
type Writeback interface {
	WriteAndNotify(index uint16, subIndex uint8, data []byte) error
}

// NMTStatus reports whether this node's own NMT state is OPERATIONAL,
// satisfied by *nmt.NMT. Checked by sendTPDOSlot per spec.md §4.2 step 3
// ("interface up but NMT state != OPERATIONAL, return silently"); nil means
// no status is bound (e.g. a standalone Engine under test), in which case
// the check is skipped.
type NMTStatus interface {
	State() uint8
}

const nmtStateOperational = 5

// Engine drives TPDO transmission and RPDO reception for all 16 slots of
// each kind. Grounded on gocanopen's pkg/pdo TPDO/RPDO pair, collapsed into
// one engine since this repo has no per-PDO extension/flag machinery.
type Engine struct {
	store     *od.Store
	bus       canbus.Bus
	emcy      *emergency.Producer
	writeback Writeback
	nmt       NMTStatus

	tpdo [slotsPerKind]*Slot
	rpdo [slotsPerKind]*Slot

	syncCounter uint8 // wraps 1..240, spec.md §4.2
}

// SetWriteback binds the SDO dispatcher RPDO ingestion writes through, so
// write callbacks registered on a name fire for RPDO-driven writes exactly
// as they do for SDO downloads. Wired once by internal/runtime after both
// the PDO engine and SDO dispatcher exist for a given network session.
func (e *Engine) SetWriteback(w Writeback) {
	e.writeback = w
}

// SetNMTStatus binds the node's own NMT state source, so TPDO emission can
// be silently skipped while the node is not OPERATIONAL (spec.md §4.2 step
// 3). Wired once by internal/runtime alongside SetWriteback.
func (e *Engine) SetNMTStatus(ns NMTStatus) {
	e.nmt = ns
}

// NewEngine builds an Engine, loading all 16 TPDO and RPDO slots from store.
// Slots whose communication/mapping entries are absent are left nil and
// skipped by Send/Dispatch.
func NewEngine(store *od.Store, bus canbus.Bus, emcy *emergency.Producer) (*Engine, error) {
	e := &Engine{store: store, bus: bus, emcy: emcy}
	for n := uint16(0); n < slotsPerKind; n++ {
		if s, err := loadSlot(store, n, od.IndexRPDOCommunicationStart+n, od.IndexRPDOMappingStart+n); err == nil {
			e.rpdo[n] = s
		}
		if s, err := loadSlot(store, n, od.IndexTPDOCommunicationStart+n, od.IndexTPDOMappingStart+n); err == nil {
			e.tpdo[n] = s
		}
	}
	return e, nil
}

// SendTPDO transmits TPDO n, 1-indexed (1..16) per spec.md §4.2's public
// send_tpdo contract; n outside that range fails rather than silently
// clamping. The engine does not check whether the network is up itself
// (NodeRuntime.SendTPDO returns emergency.ErrNetworkDown when no network
// exists); raiseOnNetworkDown here only decides whether an error from the
// bus's Send is returned or dropped.
func (e *Engine) SendTPDO(n int, raiseOnNetworkDown bool) error {
	if n < 1 || n > slotsPerKind {
		return fmt.Errorf("pdo: TPDO %d out of range [1,%d]: %w", n, slotsPerKind, ErrInvalidArg)
	}
	return e.sendTPDOSlot(n-1, raiseOnNetworkDown)
}

// sendTPDOSlot transmits TPDO slot idx, 0-indexed, matching the OD's
// 0x1800+idx communication-entry layout. Used internally by DispatchSync and
// the per-slot event timers, which already work in slot-index space.
func (e *Engine) sendTPDOSlot(n int, raiseOnNetworkDown bool) error {
	slot := e.tpdo[n]
	if slot == nil || !slot.enabled {
		return nil
	}
	if e.nmt != nil && e.nmt.State() != nmtStateOperational {
		return nil
	}
	payload, err := packPayload(slot.entries)
	if err != nil {
		return err
	}
	if len(payload) > od.MaxPDOLengthBytes {
		if e.emcy != nil {
			_ = e.emcy.SendEMCY(emergency.ErrPdoLengthExc, nil, raiseOnNetworkDown)
		}
		return fmt.Errorf("pdo: TPDO %d mapped length %d exceeds %d bytes", n, len(payload), od.MaxPDOLengthBytes)
	}
	frame := canbus.Frame{ID: slot.cobID, DLC: uint8(len(payload))}
	copy(frame.Data[:], payload)
	if err := e.bus.Send(frame); err != nil {
		if raiseOnNetworkDown {
			return err
		}
		return nil
	}
	return nil
}

// SendRPDO transmits RPDO n, 1-indexed (1..16), symmetric with SendTPDO but
// over the 0x1400/0x1600 communication/mapping indices (spec.md §4.2
// "send_rpdo(n, …) is symmetric using 0x1400/0x1600"). Not used by the
// runtime's own bus I/O (RPDOs are normally received, not sent by this
// node), but exposed as a public operation for resources/tests that need to
// emit one directly, e.g. loopback testing against another node.
func (e *Engine) SendRPDO(n int, raiseOnNetworkDown bool) error {
	if n < 1 || n > slotsPerKind {
		return fmt.Errorf("pdo: RPDO %d out of range [1,%d]: %w", n, slotsPerKind, ErrInvalidArg)
	}
	return e.sendRPDOSlot(n-1, raiseOnNetworkDown)
}

// sendRPDOSlot transmits RPDO slot idx, 0-indexed, matching the OD's
// 0x1400+idx communication-entry layout.
func (e *Engine) sendRPDOSlot(n int, raiseOnNetworkDown bool) error {
	slot := e.rpdo[n]
	if slot == nil || !slot.enabled {
		return nil
	}
	if e.nmt != nil && e.nmt.State() != nmtStateOperational {
		return nil
	}
	payload, err := packPayload(slot.entries)
	if err != nil {
		return err
	}
	if len(payload) > od.MaxPDOLengthBytes {
		if e.emcy != nil {
			_ = e.emcy.SendEMCY(emergency.ErrPdoLengthExc, nil, raiseOnNetworkDown)
		}
		return fmt.Errorf("pdo: RPDO %d mapped length %d exceeds %d bytes", n, len(payload), od.MaxPDOLengthBytes)
	}
	frame := canbus.Frame{ID: slot.cobID, DLC: uint8(len(payload))}
	copy(frame.Data[:], payload)
	if err := e.bus.Send(frame); err != nil {
		if raiseOnNetworkDown {
			return err
		}
		return nil
	}
	return nil
}

// DispatchSync advances the SYNC counter (wrapping 1..240, spec.md §4.2) and
// sends every synchronous TPDO whose transmission type divides evenly into
// the counter.
func (e *Engine) DispatchSync() {
	if e.syncCounter >= 240 {
		e.syncCounter = 1
	} else {
		e.syncCounter++
	}
	for n, slot := range e.tpdo {
		if slot == nil || !slot.enabled || !slot.synchronous {
			continue
		}
		if e.syncCounter%slot.transmissionType == 0 {
			_ = e.sendTPDOSlot(n, false)
		}
	}
}

// EventTimerMs returns TPDO slot n's configured event timer period, used by
// internal/runtime's startTPDOTimers to drive one timer.Loop per eligible
// slot (SPEC_FULL.md §C.8, the corrected intended behavior for the acknowledged
// _send_timer_tpdos defect). Eligibility requires an asynchronous
// transmission type (0xFE/0xFF, spec.md §4.2 "Timed TPDOs") in addition to a
// nonzero event timer; a synchronous slot (tt 1-240) is driven exclusively
// by DispatchSync and must never also get a timer loop, or it would emit
// twice per period.
func (e *Engine) EventTimerMs(n int) (uint16, bool) {
	if n < 0 || n >= slotsPerKind || e.tpdo[n] == nil {
		return 0, false
	}
	slot := e.tpdo[n]
	asynchronous := slot.transmissionType == 0xFE || slot.transmissionType == 0xFF
	return slot.eventTimerMs, slot.enabled && asynchronous && slot.eventTimerMs > 0
}

// StartDelayMs returns TPDO slot n's communication-parameter subindex 3
// (inhibit/start-delay, milliseconds), used as the one-shot delay before a
// timed TPDO's first tick (spec.md §4.2, §4.6).
func (e *Engine) StartDelayMs(n int) uint16 {
	if n < 0 || n >= slotsPerKind || e.tpdo[n] == nil {
		return 0
	}
	return e.tpdo[n].startDelayMs
}

// HandleFrame ingests an incoming CAN frame: if it matches a configured
// RPDO's COB-ID, the mapped bytes are written back into the OD.
func (e *Engine) HandleFrame(frame canbus.Frame) {
	for _, slot := range e.rpdo {
		if slot == nil || !slot.enabled || slot.cobID != frame.ID {
			continue
		}
		e.unpackPayload(slot.entries, frame.Data[:frame.DLC])
		return
	}
}

func packPayload(entries []mappedEntry) ([]byte, error) {
	var out []byte
	for _, me := range entries {
		if me.variable == nil {
			continue
		}
		raw := me.variable.Raw()
		nbytes := int(me.bits+7) / 8
		if nbytes > len(raw) {
			nbytes = len(raw)
		}
		out = append(out, raw[:nbytes]...)
	}
	return out, nil
}

// unpackPayload writes each mapped field's bytes back into the OD, through
// e.writeback when bound (so registered write callbacks fire, spec.md §4.2
// "RPDO ingestion writes through the same path as an SDO write"), falling
// back to a direct Store.WriteRaw when no dispatcher is bound yet (e.g. a
// standalone Engine under test).
func (e *Engine) unpackPayload(entries []mappedEntry, data []byte) {
	offset := 0
	for _, me := range entries {
		if me.variable == nil {
			continue
		}
		nbytes := int(me.bits+7) / 8
		if offset+nbytes > len(data) {
			return
		}
		field := data[offset : offset+nbytes]
		var err error
		if e.writeback != nil {
			err = e.writeback.WriteAndNotify(me.index, me.subIndex, field)
		} else {
			err = e.store.WriteRaw(me.index, me.subIndex, field)
		}
		if err != nil {
			if e.emcy != nil {
				_ = e.emcy.SendEMCY(emergency.ErrRpdoTimeout, nil, false)
			}
		}
		offset += nbytes
	}
}
