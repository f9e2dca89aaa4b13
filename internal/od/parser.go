package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Grounded on samsamfire/gocanopen's pkg/od/parser_v1.go: load the EDS/DCF
// file as .ini, walk its sections matching index (`2000`) and subindex
// (`2000sub1`) patterns, and populate a Store. $NODEID substitution in
// DefaultValue follows the same convention.
var (
	matchIndex    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubIndex = regexp.MustCompile(`(?i)^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)
	nodeIDToken   = regexp.MustCompile(`\+?\$NODEID\+?`)
)

const (
	objectTypeVAR    = 7
	objectTypeARRAY  = 8
	objectTypeRECORD = 9
)

// PeekNodeID reads the `[DeviceComissioning]` section's NodeID key, the DCF
// field original_source's `canopen.import_od(eds).node_id` resolves, without
// fully parsing the rest of the file (node id is itself needed to resolve
// $NODEID substitutions during the full parse, so the two passes are kept
// separate). Returns ok=false if the file has no such key, matching
// app.py:_load_node's "elif dcf_node_id" fallthrough to the caller's next
// precedence tier (spec.md §3).
func PeekNodeID(raw []byte) (nodeID uint8, ok bool) {
	f, err := ini.Load(raw)
	if err != nil {
		return 0, false
	}
	section, err := f.GetSection("DeviceComissioning")
	if err != nil {
		return 0, false
	}
	key, err := section.GetKey("NodeID")
	if err != nil || key.Value() == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(key.Value()), 0, 8)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint8(v), true
}

// ParseEDS builds a Store from raw EDS/DCF bytes for the given node id.
// nodeID resolution precedence (explicit override > DCF-embedded value >
// default 0x7C) is the caller's responsibility; ParseEDS always uses nodeID
// as given.
func ParseEDS(raw []byte, nodeID uint8) (*Store, error) {
	f, err := ini.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}

	s := NewStore(nodeID)

	for _, section := range f.Sections() {
		name := section.Name()

		switch {
		case matchIndex.MatchString(name):
			if err := addEntry(s, section, name, nodeID); err != nil {
				return nil, fmt.Errorf("%w: section %s: %v", ErrConfigLoad, name, err)
			}
		case matchSubIndex.MatchString(name):
			if err := addSubEntry(s, section, name, nodeID); err != nil {
				return nil, fmt.Errorf("%w: section %s: %v", ErrConfigLoad, name, err)
			}
		}
	}

	s.ResetAllToDefault()
	s.sanitizeCOBIDs()
	return s, nil
}

func addEntry(s *Store, section *ini.Section, sectionName string, nodeID uint8) error {
	idx, err := strconv.ParseUint(sectionName, 16, 16)
	if err != nil {
		return err
	}
	index := uint16(idx)
	parameterName := section.Key("ParameterName").String()

	objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
	if err != nil {
		objType = objectTypeVAR
	}

	switch objType {
	case objectTypeVAR:
		v, err := variableFromSection(section, parameterName, 0, nodeID)
		if err != nil {
			return err
		}
		s.Add(NewVariableEntry(index, v))
	case objectTypeARRAY:
		s.Add(NewCompoundEntry(index, parameterName, ObjectArray))
	case objectTypeRECORD:
		s.Add(NewCompoundEntry(index, parameterName, ObjectRecord))
	default:
		return fmt.Errorf("unknown ObjectType %d", objType)
	}
	return nil
}

func addSubEntry(s *Store, section *ini.Section, sectionName string, nodeID uint8) error {
	m := matchSubIndex.FindStringSubmatch(sectionName)
	idx, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return err
	}
	sub, err := strconv.ParseUint(m[2], 16, 8)
	if err != nil {
		return err
	}
	index := uint16(idx)
	parameterName := section.Key("ParameterName").String()

	e := s.Entry(index)
	if e == nil {
		return fmt.Errorf("subindex section for undeclared index x%x", index)
	}
	v, err := variableFromSection(section, parameterName, uint8(sub), nodeID)
	if err != nil {
		return err
	}
	e.AddSub(v)
	return nil
}

func variableFromSection(section *ini.Section, name string, subIndex uint8, nodeID uint8) (*Variable, error) {
	dtRaw, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("DataType: %w", err)
	}
	dt := DataType(dtRaw)

	access := parseAccessType(section.Key("AccessType").String())

	def := section.Key("DefaultValue").Value()
	raw, err := encodeFromEDSString(def, dt, nodeID)
	if err != nil {
		return nil, fmt.Errorf("DefaultValue: %w", err)
	}

	v := NewVariable(name, subIndex, dt, access, raw)

	if low, err := section.GetKey("LowLimit"); err == nil && low.Value() != "" {
		if lowRaw, err := encodeFromEDSString(low.Value(), dt, 0); err == nil {
			if high, err := section.GetKey("HighLimit"); err == nil && high.Value() != "" {
				if highRaw, err := encodeFromEDSString(high.Value(), dt, 0); err == nil {
					v.SetBounds(lowRaw, highRaw)
				}
			}
		}
	}

	if factorKey, err := section.GetKey("Factor"); err == nil && factorKey.Value() != "" {
		if f, err := strconv.ParseFloat(factorKey.Value(), 64); err == nil && f != 0 {
			v.Factor = f
		}
	}

	return v, nil
}

func parseAccessType(s string) Access {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ro":
		return AccessReadOnly
	case "wo":
		return AccessWriteOnly
	case "const":
		return AccessConst
	default:
		return AccessReadWrite
	}
}

// encodeFromEDSString parses a raw EDS value string into dt's raw encoding,
// substituting $NODEID per the teacher's pkg/od/variable.go convention: if
// the token is present it is stripped and nodeID added numerically;
// otherwise nodeID is not applied at all.
func encodeFromEDSString(value string, dt DataType, nodeID uint8) ([]byte, error) {
	offset := uint64(0)
	if nodeIDToken.MatchString(value) {
		value = nodeIDToken.ReplaceAllString(value, "")
		offset = uint64(nodeID)
	}
	if value == "" {
		value = "0"
	}

	switch {
	case dt == VisibleString:
		return []byte(value), nil
	case dt == OctetString || dt == Domain:
		return []byte(value), nil
	case isFloat(dt):
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		return encodeFloatRaw(f, dt), nil
	case isSigned(dt):
		i, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return nil, err
		}
		return encodeSignedRaw(i+int64(offset), dt), nil
	default:
		u, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, err
		}
		return encodeUnsignedRaw(u+offset, dt), nil
	}
}
