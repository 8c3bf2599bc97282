package upnp

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// UDN errors.
var (
	ErrInvalidUDN = errors.New("invalid UDN")
)

// UDN is a Unique Device Name of the form "uuid:<uuid>". Case is preserved
// exactly as supplied and comparison is case-sensitive on the literal form.
type UDN struct {
	value string
}

// NewUDN generates a fresh UDN from a random UUID.
func NewUDN() UDN {
	return UDN{value: "uuid:" + uuid.NewString()}
}

// ParseUDN parses a UDN. The value must carry the "uuid:" prefix and a
// non-empty suffix. The suffix is not required to be a well-formed UUID;
// use IsStrict to check that separately.
func ParseUDN(s string) (UDN, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "uuid:") || len(s) == len("uuid:") {
		return UDN{}, ErrInvalidUDN
	}
	return UDN{value: s}, nil
}

// IsZero reports whether the UDN is the zero value.
func (u UDN) IsZero() bool {
	return u.value == ""
}

// IsStrict reports whether the UUID part is a well-formed UUID.
func (u UDN) IsStrict() bool {
	if u.IsZero() {
		return false
	}
	_, err := uuid.Parse(u.UUID())
	return err == nil
}

// UUID returns the part after the "uuid:" prefix.
func (u UDN) UUID() string {
	if u.IsZero() {
		return ""
	}
	return u.value[len("uuid:"):]
}

// String returns the full "uuid:<uuid>" form.
func (u UDN) String() string {
	return u.value
}
