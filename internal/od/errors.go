package od

import "errors"

// Error kinds surfaced by the OD access layer (spec.md §7).
var (
	ErrNotFound       = errors.New("od: index/subindex not found")
	ErrOutOfRange     = errors.New("od: value out of [min, max] range")
	ErrTypeMismatch   = errors.New("od: value type does not match entry data type")
	ErrEnumUnknown    = errors.New("od: display string is not a known enum value")
	ErrEnumOutOfRange = errors.New("od: stored value has no enum description")
	ErrFieldUnknown   = errors.New("od: bitfield name not defined for entry")
	ErrDataLength     = errors.New("od: byte length does not match data type width")
	ErrConfigLoad     = errors.New("od: configuration file could not be parsed")
)
