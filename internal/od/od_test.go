package od

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		dt   DataType
		in   any
	}{
		{"bool", Boolean, true},
		{"u8", Unsigned8, uint64(0xAB)},
		{"u16", Unsigned16, uint64(0x1234)},
		{"u32", Unsigned32, uint64(0xDEADBEEF)},
		{"i32", Integer32, int64(-12345)},
		{"i64", Integer64, int64(-1)},
		{"real32", Real32, float64(3.5)},
		{"string", VisibleString, "hello"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := EncodeValue(c.in, c.dt)
			require.NoError(t, err)
			out, err := DecodeValue(raw, c.dt)
			require.NoError(t, err)
			switch want := c.in.(type) {
			case bool:
				assert.Equal(t, uint64(1), out)
				_ = want
			default:
				assert.EqualValues(t, c.in, out)
			}
		})
	}
}

func TestEncodeDecodeValueBlobRoundTrip(t *testing.T) {
	for _, dt := range []DataType{OctetString, Domain} {
		raw, err := EncodeValue([]byte{0xDE, 0xAD, 0xBE, 0xEF}, dt)
		require.NoError(t, err)
		out, err := DecodeValue(raw, dt)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, out)
	}
}

func TestEncodeValueTypeMismatch(t *testing.T) {
	_, err := EncodeValue("not a number", Unsigned32)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = EncodeValue(42, VisibleString)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDecodeValueWrongWidth(t *testing.T) {
	_, err := DecodeValue([]byte{0x01, 0x02}, Unsigned32)
	assert.ErrorIs(t, err, ErrDataLength)
}

func newBoundedVariable(t *testing.T, min, max int64) *Variable {
	t.Helper()
	v := NewVariable("speed", 0, Integer32, AccessReadWrite, encodeSignedRaw(0, Integer32))
	v.SetBounds(encodeSignedRaw(min, Integer32), encodeSignedRaw(max, Integer32))
	return v
}

func TestVariableRangeChecking(t *testing.T) {
	v := newBoundedVariable(t, -10, 10)

	require.NoError(t, v.setRaw(encodeSignedRaw(10, Integer32)))
	require.NoError(t, v.setRaw(encodeSignedRaw(-10, Integer32)))

	err := v.setRaw(encodeSignedRaw(11, Integer32))
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = v.setRaw(encodeSignedRaw(-11, Integer32))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestVariableBothZeroBoundsIsUnbounded(t *testing.T) {
	v := newBoundedVariable(t, 0, 0)
	require.NoError(t, v.setRaw(encodeSignedRaw(1_000_000, Integer32)))
}

func TestVariableBitfieldRoundTrip(t *testing.T) {
	v := NewVariable("status", 0, Unsigned8, AccessReadWrite, []byte{0})
	v.BitDefinitions = map[string]BitField{
		"enabled": {0},
		"mode":    {1, 2},
	}

	require.NoError(t, v.writeBitfield("enabled", 1))
	got, err := v.readBitfield("enabled")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	require.NoError(t, v.writeBitfield("mode", 0b11))
	got, err = v.readBitfield("mode")
	require.NoError(t, err)
	assert.Equal(t, uint64(0b11), got)

	// enabled bit must be untouched by the mode write.
	got, err = v.readBitfield("enabled")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	_, err = v.readBitfield("missing")
	assert.ErrorIs(t, err, ErrFieldUnknown)
}

func TestVariableEnumRoundTrip(t *testing.T) {
	v := NewVariable("mode", 0, Unsigned8, AccessReadWrite, []byte{0})
	v.ValueDescriptions = map[int64]string{
		0: "IDLE",
		1: "RUNNING",
	}

	require.NoError(t, v.writeEnum("RUNNING"))
	s, err := v.readEnum()
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", s)

	err = v.writeEnum("UNKNOWN_STATE")
	assert.ErrorIs(t, err, ErrEnumUnknown)

	require.NoError(t, v.setRaw([]byte{0x05}))
	_, err = v.readEnum()
	assert.ErrorIs(t, err, ErrEnumOutOfRange)
}

func TestVariableFactorAppliedOnRead(t *testing.T) {
	v := NewVariable("temperature", 0, Integer16, AccessReadWrite, encodeSignedRaw(0, Integer16))
	v.Factor = 0.1
	require.NoError(t, v.setRaw(encodeSignedRaw(215, Integer16)))

	got, err := v.readValue()
	require.NoError(t, err)
	assert.InDelta(t, 21.5, got.(float64), 0.0001)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(0x10)

	entry := NewCompoundEntry(0x2000, "settings", ObjectRecord)
	count := NewVariable("highest_sub_index", 0, Unsigned8, AccessReadOnly, []byte{1})
	name := NewVariable("gain", 1, Unsigned16, AccessReadWrite, []byte{0x00, 0x00})
	entry.AddSub(count)
	entry.AddSub(name)
	s.Add(entry)

	return s
}

func TestStoreReadWriteRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(0x2000, 1, uint64(0x1234)))
	got, err := s.Read(0x2000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), got)
}

func TestStoreGetUnknownIndex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(0x3000, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Read(0x2000, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreResetAllToDefault(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(0x2000, 1, uint64(0x4242)))

	s.ResetAllToDefault()

	got, err := s.Read(0x2000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)
}

// buildPDOCommEntry constructs a minimal 0x14xx/0x18xx-style communication
// entry carrying only the COB-ID subindex, enough for sanitizeCOBIDs to act
// on.
func buildPDOCommEntry(index uint16, name string, defaultCobID uint32) *Entry {
	e := NewCompoundEntry(index, name, ObjectRecord)
	cobID := NewVariable("cob_id", SubPdoCobID, Unsigned32, AccessReadWrite, encodeUnsignedRaw(uint64(defaultCobID), Unsigned32))
	e.AddSub(cobID)
	return e
}

// TestSanitizeCOBIDsDefaultSlotRepair mirrors spec.md's worked example: node
// id 0x10, TPDO1..TPDO4 and TPDO5/TPDO16 COB-IDs after sanitization.
func TestSanitizeCOBIDsDefaultSlotRepair(t *testing.T) {
	s := NewStore(0x10)
	bases := [4]uint32{0x180, 0x280, 0x380, 0x480}
	for n := uint16(0); n < 16; n++ {
		base := bases[n%4]
		s.Add(buildPDOCommEntry(IndexTPDOCommunicationStart+n, "tpdo", base+0x10))
	}

	s.sanitizeCOBIDs()

	want := map[uint16]uint32{
		IndexTPDOCommunicationStart + 0:  0x190,
		IndexTPDOCommunicationStart + 1:  0x290,
		IndexTPDOCommunicationStart + 2:  0x390,
		IndexTPDOCommunicationStart + 3:  0x490,
		IndexTPDOCommunicationStart + 4:  0x191,
		IndexTPDOCommunicationStart + 15: 0x493,
	}
	for index, expected := range want {
		v, err := s.Entry(index).Sub(SubPdoCobID)
		require.NoError(t, err)
		got := decodeUnsignedRaw(v.Raw(), Unsigned32)
		assert.Equalf(t, uint64(expected), got, "index x%x", index)
	}
}

// TestSanitizeCOBIDsLeavesCustomDefaultsAlone: a communication entry whose
// default COB-ID does not match any reserved default is left untouched.
func TestSanitizeCOBIDsLeavesCustomDefaultsAlone(t *testing.T) {
	s := NewStore(0x10)
	custom := uint32(0x321)
	s.Add(buildPDOCommEntry(IndexTPDOCommunicationStart, "tpdo1", custom))

	s.sanitizeCOBIDs()

	v, err := s.Entry(IndexTPDOCommunicationStart).Sub(SubPdoCobID)
	require.NoError(t, err)
	assert.Equal(t, uint64(custom), decodeUnsignedRaw(v.Raw(), Unsigned32))
}

// TestDefaultODHasStandardObjectsAndDistinctPDOCobIDs covers the backup OD
// spec.md §6/§7 requires on an unreadable/malformed EDS: the standard
// objects this node core's own layers depend on exist, and all 32 PDO
// COB-IDs (16 RPDO + 16 TPDO) came out of sanitizeCOBIDs distinct.
func TestDefaultODHasStandardObjectsAndDistinctPDOCobIDs(t *testing.T) {
	s := DefaultOD(0x10)

	_, err := s.Read(IndexErrorRegister, 0)
	require.NoError(t, err)
	hb, err := s.Read(IndexProducerHeartbeatTime, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, hb)

	seen := map[uint64]string{}
	for n := uint16(0); n < 16; n++ {
		for _, idx := range []uint16{IndexRPDOCommunicationStart + n, IndexTPDOCommunicationStart + n} {
			v, err := s.Entry(idx).Sub(SubPdoCobID)
			require.NoError(t, err)
			cobID := decodeUnsignedRaw(v.Raw(), Unsigned32)
			if other, dup := seen[cobID]; dup {
				t.Fatalf("COB-ID %#x shared by index x%x and %s", cobID, idx, other)
			}
			seen[cobID] = fmt.Sprintf("x%x", idx)
		}
	}
}

func TestParseEDSFallsBackGracefullyOnGarbage(t *testing.T) {
	_, err := ParseEDS([]byte("not an ini file \x00\x01\x02"), 0x10)
	// ini.v1 is lenient about most text; this asserts ParseEDS never panics
	// on malformed input, returning either a store or an error.
	_ = err
}

func TestParseEDSBasicVariable(t *testing.T) {
	raw := []byte(`
[1001]
ParameterName=Error Register
ObjectType=0x7
DataType=0x0005
AccessType=ro
DefaultValue=0
`)
	s, err := ParseEDS(raw, 0x10)
	require.NoError(t, err)

	v, err := s.Get(0x1001, 0)
	require.NoError(t, err)
	assert.Equal(t, Unsigned8, v.DataType)
	assert.Equal(t, AccessReadOnly, v.Access)
}

func TestParseEDSNodeIDSubstitution(t *testing.T) {
	raw := []byte(`
[1017]
ParameterName=Producer Heartbeat Time
ObjectType=0x7
DataType=0x0006
AccessType=rw
DefaultValue=1000

[1200]
ParameterName=SDO server parameter
ObjectType=0x9
SubNumber=3

[1200sub0]
ParameterName=highest sub-index supported
ObjectType=0x7
DataType=0x0005
AccessType=ro
DefaultValue=2

[1200sub1]
ParameterName=COB-ID client to server
ObjectType=0x7
DataType=0x0007
AccessType=ro
DefaultValue=$NODEID+0x600

[1200sub2]
ParameterName=COB-ID server to client
ObjectType=0x7
DataType=0x0007
AccessType=ro
DefaultValue=$NODEID+0x580
`)
	s, err := ParseEDS(raw, 0x10)
	require.NoError(t, err)

	v, err := s.Read(0x1200, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x610), v)

	v, err = s.Read(0x1200, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x590), v)
}
