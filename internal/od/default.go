package od

// DefaultOD builds the built-in backup Object Dictionary spec.md §6/§7
// requires when the EDS/DCF file is missing or malformed: the CiA-301
// standard objects this node core's own layers depend on (error register,
// heartbeat producer time, identity) plus all 16 RPDO/TPDO communication
// and mapping parameter pairs, left unmapped (mapping count 0) and at their
// reserved default COB-IDs so sanitizeCOBIDs repairs them into 16 distinct
// channels exactly as a loaded EDS would. Grounded on
// original_source/olaf/_internals/app.py's "backup OD" fallback
// (_load_node catching the EDS parse failure) — the original ships a
// fixed backup .dcf resource; this builds the equivalent minimal object set
// directly in Go since there is no bundled file to embed.
func DefaultOD(nodeID uint8) *Store {
	s := NewStore(nodeID)

	s.Add(NewVariableEntry(IndexErrorRegister,
		NewVariable("error_register", 0, Unsigned8, AccessReadOnly, []byte{0})))

	s.Add(NewVariableEntry(IndexProducerHeartbeatTime,
		NewVariable("producer_heartbeat_time", 0, Unsigned16, AccessReadWrite, encodeUnsignedRaw(1000, Unsigned16))))

	identity := NewCompoundEntry(IndexIdentityObject, "identity", ObjectRecord)
	identity.AddSub(NewVariable("highest_sub_index", 0, Unsigned8, AccessReadOnly, []byte{4}))
	identity.AddSub(NewVariable("vendor_id", 1, Unsigned32, AccessReadOnly, encodeUnsignedRaw(0, Unsigned32)))
	identity.AddSub(NewVariable("product_code", 2, Unsigned32, AccessReadOnly, encodeUnsignedRaw(0, Unsigned32)))
	identity.AddSub(NewVariable("revision_number", 3, Unsigned32, AccessReadOnly, encodeUnsignedRaw(0, Unsigned32)))
	identity.AddSub(NewVariable("serial_number", 4, Unsigned32, AccessReadOnly, encodeUnsignedRaw(0, Unsigned32)))
	s.Add(identity)

	for n := uint16(0); n < 16; n++ {
		addDefaultPDOPair(s, n, true)
		addDefaultPDOPair(s, n, false)
	}

	s.ResetAllToDefault()
	s.sanitizeCOBIDs()
	return s
}

// addDefaultPDOPair builds one RPDO or TPDO's communication and mapping
// parameter entries at their legacy 4-slot reserved default COB-ID
// (0x200/0x300/0x400/0x500+node for RPDOs, 0x180/0x280/0x380/0x480+node for
// TPDOs, cycling every 4 slots) so DefaultOD exercises the same
// sanitizeCOBIDs repair path spec.md §4.1's scenario 1 describes, with an
// empty mapping (0 entries) since there is no application OD to map.
func addDefaultPDOPair(s *Store, n uint16, isRPDO bool) {
	commIndex := IndexTPDOCommunicationStart + n
	mapIndex := IndexTPDOMappingStart + n
	bases := [4]uint32{0x180, 0x280, 0x380, 0x480}
	transmissionType := byte(0xFE)
	if isRPDO {
		commIndex = IndexRPDOCommunicationStart + n
		mapIndex = IndexRPDOMappingStart + n
		bases = [4]uint32{0x200, 0x300, 0x400, 0x500}
		transmissionType = 0xFF
	}
	cobID := bases[n%4] + uint32(s.NodeID)

	comm := NewCompoundEntry(commIndex, "pdo_communication", ObjectRecord)
	comm.AddSub(NewVariable("highest_sub_index", SubPdoHighestSubIndex, Unsigned8, AccessReadOnly, []byte{5}))
	comm.AddSub(NewVariable("cob_id", SubPdoCobID, Unsigned32, AccessReadWrite, encodeUnsignedRaw(uint64(cobID), Unsigned32)))
	comm.AddSub(NewVariable("transmission_type", SubPdoTransmissionType, Unsigned8, AccessReadWrite, []byte{transmissionType}))
	comm.AddSub(NewVariable("inhibit_time", SubPdoInhibitTime, Unsigned16, AccessReadWrite, encodeUnsignedRaw(0, Unsigned16)))
	comm.AddSub(NewVariable("event_timer", SubPdoEventTimer, Unsigned16, AccessReadWrite, encodeUnsignedRaw(0, Unsigned16)))
	s.Add(comm)

	mapping := NewCompoundEntry(mapIndex, "pdo_mapping", ObjectRecord)
	mapping.AddSub(NewVariable("highest_sub_index", SubPdoHighestSubIndex, Unsigned8, AccessReadWrite, []byte{0}))
	s.Add(mapping)
}
