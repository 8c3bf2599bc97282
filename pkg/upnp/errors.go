package upnp

import (
	"errors"
	"fmt"
)

// Library-wide error taxonomy.
var (
	// ErrInvalidDeviceDescription indicates a device description document
	// that could not be parsed or failed validation.
	ErrInvalidDeviceDescription = errors.New("invalid device description")

	// ErrInvalidServiceDescription indicates an SCPD document that could
	// not be parsed or failed validation.
	ErrInvalidServiceDescription = errors.New("invalid service description")

	// ErrCommunications indicates a socket open, connect, read, write or
	// timeout failure.
	ErrCommunications = errors.New("communications error")

	// ErrShuttingDown is returned from blocking operations interrupted by
	// cooperative shutdown.
	ErrShuttingDown = errors.New("shutting down")

	// ErrOperationFailed indicates an HTTP non-2xx response that carries
	// no UPnP-specific error code.
	ErrOperationFailed = errors.New("operation failed")

	// ErrInvalidConfiguration indicates caller-supplied setup that is
	// unusable.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAlreadyInitialized indicates lifecycle misuse, such as starting
	// a host twice.
	ErrAlreadyInitialized = errors.New("already initialized")
)

// UPnP action error codes defined by UDA and the device architecture
// annexes. Codes 606-699 are reserved by UPnP, 700-799 are action-specific
// and 800-899 vendor-specific; all three ranges pass through unchanged.
const (
	CodeInvalidAction                = 401
	CodeInvalidArgs                  = 402
	CodeActionFailed                 = 501
	CodeArgumentValueInvalid         = 600
	CodeArgumentValueOutOfRange      = 601
	CodeOptionalActionNotImplemented = 602
	CodeOutOfMemory                  = 603
	CodeHumanInterventionRequired    = 604
	CodeStringArgumentTooLong        = 605
)

// ActionError is a UPnP action fault: an error code from the tables in UDA
// section 3.2 plus an optional human-readable description.
type ActionError struct {
	Code        int
	Description string
}

// NewActionError creates an ActionError with the standard description for
// well-known codes, or the supplied description otherwise.
func NewActionError(code int, description string) *ActionError {
	if description == "" {
		description = actionErrorDescription(code)
	}
	return &ActionError{Code: code, Description: description}
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("upnp action error %d: %s", e.Code, e.Description)
}

// HTTPStatus returns the HTTP status code a device host uses when replying
// with this fault. Well-known codes map to themselves; ranged codes are
// echoed as-is.
func (e *ActionError) HTTPStatus() int {
	return e.Code
}

// ReasonPhrase returns the HTTP reason phrase for the fault response.
func (e *ActionError) ReasonPhrase() string {
	return actionErrorDescription(e.Code)
}

func actionErrorDescription(code int) string {
	switch code {
	case CodeInvalidAction:
		return "Invalid Action"
	case CodeInvalidArgs:
		return "Invalid Args"
	case CodeActionFailed:
		return "Action Failed"
	case CodeArgumentValueInvalid:
		return "Argument Value Invalid"
	case CodeArgumentValueOutOfRange:
		return "Argument Value Out of Range"
	case CodeOptionalActionNotImplemented:
		return "Optional Action Not Implemented"
	case CodeOutOfMemory:
		return "Out of Memory"
	case CodeHumanInterventionRequired:
		return "Human Intervention Required"
	case CodeStringArgumentTooLong:
		return "String Argument Too Long"
	default:
		return "Error"
	}
}
