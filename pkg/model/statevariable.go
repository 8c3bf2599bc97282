package model

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State-variable errors.
var (
	ErrUnknownDataType = errors.New("unknown data type")
	ErrValueInvalid    = errors.New("value does not match data type")
	ErrValueNotAllowed = errors.New("value not in allowed list")
	ErrValueOutOfRange = errors.New("value outside allowed range")
)

// DataType is a UPnP state-variable data type as declared in an SCPD.
type DataType uint8

// The UDA 1.0 data types.
const (
	TypeUnknown DataType = iota
	TypeUI1
	TypeUI2
	TypeUI4
	TypeI1
	TypeI2
	TypeI4
	TypeInt
	TypeR4
	TypeR8
	TypeNumber
	TypeFixed14_4
	TypeFloat
	TypeChar
	TypeString
	TypeDate
	TypeDateTime
	TypeDateTimeTZ
	TypeTime
	TypeTimeTZ
	TypeBoolean
	TypeBinBase64
	TypeBinHex
	TypeURI
	TypeUUID
)

var dataTypeNames = map[DataType]string{
	TypeUI1:        "ui1",
	TypeUI2:        "ui2",
	TypeUI4:        "ui4",
	TypeI1:         "i1",
	TypeI2:         "i2",
	TypeI4:         "i4",
	TypeInt:        "int",
	TypeR4:         "r4",
	TypeR8:         "r8",
	TypeNumber:     "number",
	TypeFixed14_4:  "fixed.14.4",
	TypeFloat:      "float",
	TypeChar:       "char",
	TypeString:     "string",
	TypeDate:       "date",
	TypeDateTime:   "dateTime",
	TypeDateTimeTZ: "dateTime.tz",
	TypeTime:       "time",
	TypeTimeTZ:     "time.tz",
	TypeBoolean:    "boolean",
	TypeBinBase64:  "bin.base64",
	TypeBinHex:     "bin.hex",
	TypeURI:        "uri",
	TypeUUID:       "uuid",
}

var dataTypesByName = func() map[string]DataType {
	m := make(map[string]DataType, len(dataTypeNames))
	for t, name := range dataTypeNames {
		m[name] = t
	}
	return m
}()

// ParseDataType resolves an SCPD dataType element value.
func ParseDataType(name string) (DataType, error) {
	t, ok := dataTypesByName[strings.TrimSpace(name)]
	if !ok {
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnknownDataType, name)
	}
	return t, nil
}

// String returns the SCPD name of the type.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsNumeric reports whether values of the type order as numbers, making
// allowed ranges meaningful.
func (t DataType) IsNumeric() bool {
	switch t {
	case TypeUI1, TypeUI2, TypeUI4, TypeI1, TypeI2, TypeI4, TypeInt,
		TypeR4, TypeR8, TypeNumber, TypeFixed14_4, TypeFloat:
		return true
	default:
		return false
	}
}

// checkLexical validates the lexical form of a value against the type.
func (t DataType) checkLexical(value string) error {
	var err error
	switch t {
	case TypeUI1:
		_, err = strconv.ParseUint(value, 10, 8)
	case TypeUI2:
		_, err = strconv.ParseUint(value, 10, 16)
	case TypeUI4:
		_, err = strconv.ParseUint(value, 10, 32)
	case TypeI1:
		_, err = strconv.ParseInt(value, 10, 8)
	case TypeI2:
		_, err = strconv.ParseInt(value, 10, 16)
	case TypeI4, TypeInt:
		_, err = strconv.ParseInt(value, 10, 32)
	case TypeR4:
		_, err = strconv.ParseFloat(value, 32)
	case TypeR8, TypeNumber, TypeFixed14_4, TypeFloat:
		_, err = strconv.ParseFloat(value, 64)
	case TypeChar:
		if len([]rune(value)) != 1 {
			err = errors.New("not a single character")
		}
	case TypeString, TypeUnknown:
		// Any value.
	case TypeDate:
		_, err = time.Parse("2006-01-02", value)
	case TypeDateTime:
		_, err = time.Parse("2006-01-02T15:04:05", value)
	case TypeDateTimeTZ:
		_, err = time.Parse("2006-01-02T15:04:05-07:00", value)
	case TypeTime:
		_, err = time.Parse("15:04:05", value)
	case TypeTimeTZ:
		_, err = time.Parse("15:04:05-07:00", value)
	case TypeBoolean:
		switch value {
		case "0", "1", "true", "false", "yes", "no":
		default:
			err = errors.New("not a boolean")
		}
	case TypeBinBase64:
		_, err = base64.StdEncoding.DecodeString(value)
	case TypeBinHex:
		_, err = hex.DecodeString(value)
	case TypeURI:
		// UDA places no usable lexical constraint beyond non-emptiness.
		if value == "" {
			err = errors.New("empty URI")
		}
	case TypeUUID:
		_, err = uuid.Parse(value)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %q", ErrValueInvalid, t, value)
	}
	return nil
}

// BoolValue interprets a boolean state-variable value.
func BoolValue(value string) bool {
	switch value {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// EventingMode is the eventing declaration of a state variable.
type EventingMode uint8

const (
	// NoEvents means the variable is never evented.
	NoEvents EventingMode = iota
	// UnicastOnly means the variable is delivered to unicast subscribers.
	UnicastOnly
	// UnicastAndMulticast additionally declares multicast delivery.
	// Multicast eventing itself is out of scope; the mode is retained so
	// descriptions round-trip.
	UnicastAndMulticast
)

// IsEvented reports whether the variable participates in GENA eventing.
func (m EventingMode) IsEvented() bool { return m != NoEvents }

// AllowedRange is the allowedValueRange declaration of a numeric state
// variable. Values are kept in their lexical form; comparison is numeric.
type AllowedRange struct {
	Min  string
	Max  string
	Step string
}

// IsZero reports whether no range was declared.
func (r AllowedRange) IsZero() bool { return r.Min == "" && r.Max == "" }

// StateVariable is the schema of one service state variable: its name,
// type, eventing mode and value constraints. Values live with the owning
// Service, not here.
type StateVariable struct {
	Name          string
	Type          DataType
	Eventing      EventingMode
	AllowedValues []string
	Range         AllowedRange
	DefaultValue  string
}

// ValidateValue checks a candidate value against the variable's data type,
// allowed-value list and allowed range.
func (v *StateVariable) ValidateValue(value string) error {
	if err := v.Type.checkLexical(value); err != nil {
		return err
	}

	if len(v.AllowedValues) > 0 {
		allowed := false
		for _, candidate := range v.AllowedValues {
			if candidate == value {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s = %q", ErrValueNotAllowed, v.Name, value)
		}
	}

	if !v.Range.IsZero() && v.Type.IsNumeric() {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %s %q", ErrValueInvalid, v.Type, value)
		}
		if v.Range.Min != "" {
			if min, err := strconv.ParseFloat(v.Range.Min, 64); err == nil && n < min {
				return fmt.Errorf("%w: %s = %q < %s", ErrValueOutOfRange, v.Name, value, v.Range.Min)
			}
		}
		if v.Range.Max != "" {
			if max, err := strconv.ParseFloat(v.Range.Max, 64); err == nil && n > max {
				return fmt.Errorf("%w: %s = %q > %s", ErrValueOutOfRange, v.Name, value, v.Range.Max)
			}
		}
	}

	return nil
}
