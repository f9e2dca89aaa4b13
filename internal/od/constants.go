// Package od implements the Object Dictionary: the typed, indexed store of
// addressable node state backing SDO, PDO, and EMCY access.
//
// The entry representation and encode/decode rules are adapted from
// samsamfire/gocanopen's pkg/od (Variable, EncodeFromString, DecodeToType).
package od

// DataType is the CiA 301 basic data type of a Variable.
type DataType uint8

// CANopen basic data types (CiA 301 table 45).
const (
	Boolean       DataType = 0x01
	Integer8      DataType = 0x02
	Integer16     DataType = 0x03
	Integer32     DataType = 0x04
	Unsigned8     DataType = 0x05
	Unsigned16    DataType = 0x06
	Unsigned32    DataType = 0x07
	Real32        DataType = 0x08
	VisibleString DataType = 0x09
	OctetString   DataType = 0x0A
	Domain        DataType = 0x0F
	Real64        DataType = 0x11
	Integer64     DataType = 0x15
	Unsigned64    DataType = 0x1B
)

// Access describes who may read/write a Variable over SDO.
type Access uint8

const (
	AccessReadWrite Access = iota
	AccessReadOnly
	AccessWriteOnly
	AccessConst
)

// ObjectType distinguishes the three OD entry shapes (CiA 301 §7.4.3).
type ObjectType uint8

const (
	ObjectVariable ObjectType = iota
	ObjectArray
	ObjectRecord
)

// Standard CANopen object dictionary indices used by this core.
const (
	IndexErrorRegister            uint16 = 0x1001
	IndexCobIdSYNC                uint16 = 0x1005
	IndexCobIdEMCY                uint16 = 0x1014
	IndexProducerHeartbeatTime    uint16 = 0x1017
	IndexIdentityObject           uint16 = 0x1018
	IndexRPDOCommunicationStart   uint16 = 0x1400
	IndexRPDOMappingStart         uint16 = 0x1600
	IndexTPDOCommunicationStart   uint16 = 0x1800
	IndexTPDOMappingStart         uint16 = 0x1A00
)

// PDO communication parameter subindices (CiA 301 §7.5.7 / §7.5.8).
const (
	SubPdoHighestSubIndex  uint8 = 0
	SubPdoCobID            uint8 = 1
	SubPdoTransmissionType uint8 = 2
	SubPdoInhibitTime      uint8 = 3
	SubPdoReserved         uint8 = 4
	SubPdoEventTimer       uint8 = 5
	SubPdoSyncStartValue   uint8 = 6
)

// MaxMappedEntriesPDO bounds the number of sub-entries a PDO mapping
// parameter may hold (CiA 301 allows up to 64 mapped bits, 8 bytes).
const MaxMappedEntriesPDO = 8

// MaxPDOLengthBytes is the maximum payload a classic CAN PDO may carry.
const MaxPDOLengthBytes = 8

// CobIDDisabledMask marks a PDO communication parameter as disabled/invalid.
const CobIDDisabledMask uint32 = 0x8000_0000

// CobIDMask extracts the 29-bit identifier field from a PDO COB-ID entry.
const CobIDMask uint32 = 0x3FFF_FFFF
