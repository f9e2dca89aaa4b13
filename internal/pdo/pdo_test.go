package pdo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/emergency"
	"github.com/oresat/oresat-node-core/internal/od"
)

// fakeBus is a minimal in-memory canbus.Bus recording every sent frame,
// used by this package's tests in place of a real SocketCAN handle.
type fakeBus struct {
	mu      sync.Mutex
	sent    []canbus.Frame
	handler canbus.FrameHandler
	up      bool
}

func newFakeBus() *fakeBus { return &fakeBus{up: true} }

func (b *fakeBus) Send(f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, f)
	return nil
}
func (b *fakeBus) Subscribe(h canbus.FrameHandler) { b.handler = h }
func (b *fakeBus) Connect() error                  { return nil }
func (b *fakeBus) Close() error                    { return nil }
func (b *fakeBus) InterfaceName() string           { return "vcan0" }
func (b *fakeBus) Kind() canbus.Kind               { return canbus.KindVirtual }

func (b *fakeBus) lastFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame{}, b.sent...)
}

func TestMappingWordPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		index uint16
		sub   uint8
		bits  uint8
	}{
		{0x6000, 0, 16}, {0x2000, 1, 8}, {0x1234, 0xff, 0}, {0xFFFF, 0xFF, 0xFF},
	}
	for _, c := range cases {
		word := packMappingWord(c.index, c.sub, c.bits)
		gotIdx, gotSub, gotBits := unpackMappingWord(word)
		assert.Equal(t, c.index, gotIdx)
		assert.Equal(t, c.sub, gotSub)
		assert.Equal(t, c.bits, gotBits)
	}
}

// buildStoreWithTPDO builds a store with one TPDO slot (0x1800/0x1A00)
// mapping one VAR variable at 0x6000/0 with the given bit width and
// transmission type.
func buildStoreWithTPDO(t *testing.T, nodeID uint8, tpdoCobID uint32, transmissionType uint8, eventTimerMs uint16, value uint64, bits uint8) *od.Store {
	t.Helper()
	s := od.NewStore(nodeID)

	width := int(bits+7) / 8
	raw := make([]byte, width)
	for i := 0; i < width; i++ {
		raw[i] = byte(value >> (8 * i))
	}
	s.Add(od.NewVariableEntry(0x6000, od.NewVariable("target", 0, widthToType(bits), od.AccessReadWrite, raw)))

	comm := od.NewCompoundEntry(od.IndexTPDOCommunicationStart, "tpdo0_comm", od.ObjectRecord)
	comm.AddSub(od.NewVariable("highest", 0, od.Unsigned8, od.AccessReadOnly, []byte{5}))
	cobRaw := make([]byte, 4)
	cobRaw[0] = byte(tpdoCobID)
	cobRaw[1] = byte(tpdoCobID >> 8)
	cobRaw[2] = byte(tpdoCobID >> 16)
	cobRaw[3] = byte(tpdoCobID >> 24)
	comm.AddSub(od.NewVariable("cob_id", od.SubPdoCobID, od.Unsigned32, od.AccessReadWrite, cobRaw))
	comm.AddSub(od.NewVariable("transmission_type", od.SubPdoTransmissionType, od.Unsigned8, od.AccessReadWrite, []byte{transmissionType}))
	comm.AddSub(od.NewVariable("inhibit", od.SubPdoInhibitTime, od.Unsigned16, od.AccessReadWrite, []byte{0, 0}))
	comm.AddSub(od.NewVariable("reserved", od.SubPdoReserved, od.Unsigned8, od.AccessReadWrite, []byte{0}))
	comm.AddSub(od.NewVariable("event_timer", od.SubPdoEventTimer, od.Unsigned16, od.AccessReadWrite, []byte{byte(eventTimerMs), byte(eventTimerMs >> 8)}))
	s.Add(comm)

	mapE := od.NewCompoundEntry(od.IndexTPDOMappingStart, "tpdo0_map", od.ObjectRecord)
	mapE.AddSub(od.NewVariable("count", 0, od.Unsigned8, od.AccessReadWrite, []byte{1}))
	word := packMappingWord(0x6000, 0, bits)
	wordRaw := make([]byte, 4)
	wordRaw[0], wordRaw[1], wordRaw[2], wordRaw[3] = byte(word), byte(word>>8), byte(word>>16), byte(word>>24)
	mapE.AddSub(od.NewVariable("entry1", 1, od.Unsigned32, od.AccessReadWrite, wordRaw))
	s.Add(mapE)

	return s
}

func widthToType(bits uint8) od.DataType {
	switch {
	case bits <= 8:
		return od.Unsigned8
	case bits <= 16:
		return od.Unsigned16
	case bits <= 32:
		return od.Unsigned32
	default:
		return od.Unsigned64
	}
}

func TestSendTPDOBoundary(t *testing.T) {
	s := buildStoreWithTPDO(t, 0x10, 0x190, 0xFF, 0, 0x1234, 16)
	bus := newFakeBus()
	e, err := NewEngine(s, bus, nil)
	require.NoError(t, err)

	err = e.SendTPDO(0, true)
	assert.Error(t, err)

	err = e.SendTPDO(17, true)
	assert.Error(t, err)

	err = e.SendTPDO(1, true)
	assert.NoError(t, err)
	require.Len(t, bus.lastFrames(), 1)
	assert.Equal(t, uint32(0x190), bus.lastFrames()[0].ID)
	assert.Equal(t, []byte{0x34, 0x12}, bus.lastFrames()[0].Data[:2])
}

func TestDispatchSyncFiresOnlyOnMultiple(t *testing.T) {
	s := buildStoreWithTPDO(t, 0x10, 0x190, 3, 0, 0x1234, 16)
	bus := newFakeBus()
	e, err := NewEngine(s, bus, nil)
	require.NoError(t, err)

	e.DispatchSync()
	assert.Empty(t, bus.lastFrames())
	e.DispatchSync()
	assert.Empty(t, bus.lastFrames())
	e.DispatchSync()
	assert.Len(t, bus.lastFrames(), 1)
}

func TestDispatchSyncWrapsWithoutFiringOnZeroType(t *testing.T) {
	s := buildStoreWithTPDO(t, 0x10, 0x190, 0, 0, 0x1234, 16)
	bus := newFakeBus()
	e, err := NewEngine(s, bus, nil)
	require.NoError(t, err)

	for i := 0; i < 241; i++ {
		e.DispatchSync()
	}
	assert.Empty(t, bus.lastFrames(), "transmission type 0 must never trigger a send")
	assert.Equal(t, uint8(1), e.syncCounter, "counter must wrap 240 -> 1")
}

func TestTPDOLengthExceededEmitsEMCYAndDropsFrame(t *testing.T) {
	s := od.NewStore(0x10)

	s.Add(od.NewVariableEntry(0x6000, od.NewVariable("target", 0, od.Unsigned64, od.AccessReadWrite, make([]byte, 8))))
	s.Add(od.NewVariableEntry(0x6001, od.NewVariable("target2", 0, od.Unsigned32, od.AccessReadWrite, make([]byte, 4))))

	comm := od.NewCompoundEntry(od.IndexTPDOCommunicationStart, "tpdo0_comm", od.ObjectRecord)
	comm.AddSub(od.NewVariable("highest", 0, od.Unsigned8, od.AccessReadOnly, []byte{5}))
	comm.AddSub(od.NewVariable("cob_id", od.SubPdoCobID, od.Unsigned32, od.AccessReadWrite, []byte{0x90, 0x01, 0, 0}))
	comm.AddSub(od.NewVariable("transmission_type", od.SubPdoTransmissionType, od.Unsigned8, od.AccessReadWrite, []byte{0xFF}))
	comm.AddSub(od.NewVariable("inhibit", od.SubPdoInhibitTime, od.Unsigned16, od.AccessReadWrite, []byte{0, 0}))
	comm.AddSub(od.NewVariable("reserved", od.SubPdoReserved, od.Unsigned8, od.AccessReadWrite, []byte{0}))
	comm.AddSub(od.NewVariable("event_timer", od.SubPdoEventTimer, od.Unsigned16, od.AccessReadWrite, []byte{0, 0}))
	s.Add(comm)

	mapE := od.NewCompoundEntry(od.IndexTPDOMappingStart, "tpdo0_map", od.ObjectRecord)
	mapE.AddSub(od.NewVariable("count", 0, od.Unsigned8, od.AccessReadWrite, []byte{2}))
	w1 := packMappingWord(0x6000, 0, 64)
	w2 := packMappingWord(0x6001, 0, 32)
	mapE.AddSub(od.NewVariable("entry1", 1, od.Unsigned32, od.AccessReadWrite, []byte{byte(w1), byte(w1 >> 8), byte(w1 >> 16), byte(w1 >> 24)}))
	mapE.AddSub(od.NewVariable("entry2", 2, od.Unsigned32, od.AccessReadWrite, []byte{byte(w2), byte(w2 >> 8), byte(w2 >> 16), byte(w2 >> 24)}))
	s.Add(mapE)

	bus := newFakeBus()
	emcyBus := newFakeBus()
	emcy := emergency.NewProducer(emcyBus, s, alwaysUp{}, 0x10)
	e, err := NewEngine(s, bus, emcy)
	require.NoError(t, err)

	err = e.SendTPDO(1, true)
	require.Error(t, err)
	assert.Empty(t, bus.lastFrames(), "exceeding 8 bytes mapped must never hit the wire")

	emcyFrames := emcyBus.lastFrames()
	require.Len(t, emcyFrames, 1)
	assert.Equal(t, uint32(0x80+0x10), emcyFrames[0].ID)
	assert.Equal(t, []byte{0x20, 0x82}, emcyFrames[0].Data[0:2], "EMCY code PROTOCOL_PDO_LEN_EXCEEDED (0x8220)")
}

type alwaysUp struct{}

func (alwaysUp) NetworkUp() bool { return true }

// fakeWriteback records every write-through call so RPDO ingestion can be
// asserted to go through the SDO-equivalent path (spec.md §4.2/§8 scenario 5).
type fakeWriteback struct {
	calls []struct {
		index uint16
		sub   uint8
		data  []byte
	}
}

func (w *fakeWriteback) WriteAndNotify(index uint16, sub uint8, data []byte) error {
	w.calls = append(w.calls, struct {
		index uint16
		sub   uint8
		data  []byte
	}{index, sub, append([]byte{}, data...)})
	return nil
}

func TestRPDOIngestionGoesThroughWriteback(t *testing.T) {
	s := od.NewStore(0x10)
	target := od.NewCompoundEntry(0x2000, "target", od.ObjectRecord)
	target.AddSub(od.NewVariable("highest_sub_index", 0, od.Unsigned8, od.AccessReadOnly, []byte{1}))
	target.AddSub(od.NewVariable("value", 1, od.Unsigned8, od.AccessReadWrite, []byte{0}))
	s.Add(target)

	comm := od.NewCompoundEntry(od.IndexRPDOCommunicationStart+1, "rpdo1_comm", od.ObjectRecord)
	comm.AddSub(od.NewVariable("highest", 0, od.Unsigned8, od.AccessReadOnly, []byte{5}))
	comm.AddSub(od.NewVariable("cob_id", od.SubPdoCobID, od.Unsigned32, od.AccessReadWrite, []byte{0x10, 0x03, 0, 0}))
	comm.AddSub(od.NewVariable("transmission_type", od.SubPdoTransmissionType, od.Unsigned8, od.AccessReadWrite, []byte{0xFF}))
	comm.AddSub(od.NewVariable("inhibit", od.SubPdoInhibitTime, od.Unsigned16, od.AccessReadWrite, []byte{0, 0}))
	comm.AddSub(od.NewVariable("reserved", od.SubPdoReserved, od.Unsigned8, od.AccessReadWrite, []byte{0}))
	comm.AddSub(od.NewVariable("event_timer", od.SubPdoEventTimer, od.Unsigned16, od.AccessReadWrite, []byte{0, 0}))
	s.Add(comm)

	mapE := od.NewCompoundEntry(od.IndexRPDOMappingStart+1, "rpdo1_map", od.ObjectRecord)
	mapE.AddSub(od.NewVariable("count", 0, od.Unsigned8, od.AccessReadWrite, []byte{1}))
	word := packMappingWord(0x2000, 1, 8)
	mapE.AddSub(od.NewVariable("entry1", 1, od.Unsigned32, od.AccessReadWrite, []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}))
	s.Add(mapE)

	bus := newFakeBus()
	e, err := NewEngine(s, bus, nil)
	require.NoError(t, err)

	wb := &fakeWriteback{}
	e.SetWriteback(wb)

	e.HandleFrame(canbus.Frame{ID: 0x300 + 0x10, DLC: 1, Data: [8]byte{0xAA}})

	require.Len(t, wb.calls, 1)
	assert.Equal(t, uint16(0x2000), wb.calls[0].index)
	assert.Equal(t, uint8(1), wb.calls[0].sub)
	assert.Equal(t, []byte{0xAA}, wb.calls[0].data)
}
