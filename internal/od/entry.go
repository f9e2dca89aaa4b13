package od

// Entry is the main building block of a Store: an OD object at a specific
// 16-bit index, which is either a single Variable (VAR/DOMAIN) or an ordered
// list of sub-Variables (ARRAY/RECORD). Modeled on gocanopen's pkg/od.Entry.
type Entry struct {
	Index      uint16
	Name       string
	ObjectType ObjectType

	variable *Variable   // set when ObjectType == ObjectVariable
	subs     []*Variable // set otherwise, ordered by subindex

	subNameToIndex map[string]uint8
}

// NewVariableEntry wraps a single Variable as a VAR entry.
func NewVariableEntry(index uint16, v *Variable) *Entry {
	return &Entry{Index: index, Name: v.Name, ObjectType: ObjectVariable, variable: v}
}

// NewCompoundEntry creates an empty ARRAY or RECORD entry.
func NewCompoundEntry(index uint16, name string, ot ObjectType) *Entry {
	return &Entry{
		Index:          index,
		Name:           name,
		ObjectType:     ot,
		subNameToIndex: map[string]uint8{},
	}
}

// AddSub appends a sub-Variable to an ARRAY/RECORD entry. subindex 0 is
// conventionally "number of entries".
func (e *Entry) AddSub(v *Variable) {
	e.subs = append(e.subs, v)
	if e.subNameToIndex == nil {
		e.subNameToIndex = map[string]uint8{}
	}
	e.subNameToIndex[v.Name] = v.SubIndex
}

// SubCount returns the number of sub entries; 1 for a VAR entry.
func (e *Entry) SubCount() int {
	if e.ObjectType == ObjectVariable {
		return 1
	}
	return len(e.subs)
}

// Sub returns the Variable at subIndex. For a VAR entry, only subIndex 0 is
// valid.
func (e *Entry) Sub(subIndex uint8) (*Variable, error) {
	if e.ObjectType == ObjectVariable {
		if subIndex != 0 {
			return nil, ErrNotFound
		}
		return e.variable, nil
	}
	for _, v := range e.subs {
		if v.SubIndex == subIndex {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// SubByName resolves a sub-Variable by its OD name, used by the SDO
// dispatcher's name-keyed callback registration (spec.md §4.3).
func (e *Entry) SubByName(name string) (*Variable, error) {
	idx, ok := e.subNameToIndex[name]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Sub(idx)
}

// Variables returns the ordered sub-Variables of an ARRAY/RECORD entry.
func (e *Entry) Variables() []*Variable {
	return e.subs
}
