package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Service errors.
var (
	ErrDuplicateStateVariable = errors.New("duplicate state variable name")
	ErrDuplicateAction        = errors.New("duplicate action name")
	ErrStateVariableNotFound  = errors.New("state variable not found")
	ErrActionNotFound         = errors.New("action not found")
	ErrServiceDisposed        = errors.New("service disposed")
	ErrImmutableStateVariable = errors.New("state variables are immutable")
)

// StateChange is one committed state-variable mutation.
type StateChange struct {
	Variable string
	Value    string
}

// StateObserver receives batches of committed state changes for a service.
// Observers run outside the service lock, in commit order.
type StateObserver func(svc *Service, changes []StateChange)

// Service is one service instance of a device: metadata, state-variable
// schemas and values, and the action registry.
type Service struct {
	mu sync.RWMutex

	info   upnp.ServiceInfo
	parent *Device

	// Schemas and actions, unique by name.
	variables map[string]*StateVariable
	varOrder  []string
	actions   map[string]*Action
	actOrder  []string

	// Current values by variable name.
	values map[string]string

	// immutable blocks SetValue; used on the control-point side where
	// values change only through NOTIFY ingestion.
	immutable bool

	observers []StateObserver
	disposed  bool
}

// NewService creates a service with the given metadata.
func NewService(info upnp.ServiceInfo) *Service {
	return &Service{
		info:      info,
		variables: make(map[string]*StateVariable),
		actions:   make(map[string]*Action),
		values:    make(map[string]string),
	}
}

// Info returns the service metadata. The Evented flag reflects the
// declared state table.
func (s *Service) Info() upnp.ServiceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.Evented = s.evented()
	return info
}

// Device returns the owning device.
func (s *Service) Device() *Device {
	return s.parent
}

// SetDocumentURLs rewrites the service's document URLs. The device host
// uses this to point a published service at the paths its HTTP server
// actually serves.
func (s *Service) SetDocumentURLs(scpdURL, controlURL, eventSubURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.SCPDURL = scpdURL
	s.info.ControlURL = controlURL
	s.info.EventSubURL = eventSubURL
}

// SetImmutable marks the service's values as externally owned: SetValue
// returns ErrImmutableStateVariable and only ApplyNotify may update them.
func (s *Service) SetImmutable(immutable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immutable = immutable
}

// AddStateVariable declares a state variable. The name must be unique
// within the service. The variable's default value, if any, becomes the
// initial value.
func (s *Service) AddStateVariable(v *StateVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.variables[v.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStateVariable, v.Name)
	}
	s.variables[v.Name] = v
	s.varOrder = append(s.varOrder, v.Name)
	if v.DefaultValue != "" {
		s.values[v.Name] = v.DefaultValue
	}
	return nil
}

// AddAction declares an action. The name must be unique within the
// service.
func (s *Service) AddAction(a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[a.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, a.Name)
	}
	s.actions[a.Name] = a
	s.actOrder = append(s.actOrder, a.Name)
	return nil
}

// StateVariable returns a declared state variable by name.
func (s *Service) StateVariable(name string) (*StateVariable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, false
	}
	v, ok := s.variables[name]
	return v, ok
}

// StateVariables returns the declared state variables in declaration order.
func (s *Service) StateVariables() []*StateVariable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil
	}
	out := make([]*StateVariable, 0, len(s.varOrder))
	for _, name := range s.varOrder {
		out = append(out, s.variables[name])
	}
	return out
}

// Action returns a declared action by name.
func (s *Service) Action(name string) (*Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, false
	}
	a, ok := s.actions[name]
	return a, ok
}

// Actions returns the declared actions in declaration order.
func (s *Service) Actions() []*Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil
	}
	out := make([]*Action, 0, len(s.actOrder))
	for _, name := range s.actOrder {
		out = append(out, s.actions[name])
	}
	return out
}

// IsEvented reports whether the service declares at least one evented
// state variable.
func (s *Service) IsEvented() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evented()
}

func (s *Service) evented() bool {
	for _, v := range s.variables {
		if v.Eventing.IsEvented() {
			return true
		}
	}
	return false
}

// Value returns the current value of a state variable.
func (s *Service) Value(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return "", false
	}
	if _, declared := s.variables[name]; !declared {
		return "", false
	}
	return s.values[name], true
}

// EventedValues returns a snapshot of every evented variable's current
// value, in declaration order. This is the property set of an initial
// GENA notification.
func (s *Service) EventedValues() []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil
	}
	var out []StateChange
	for _, name := range s.varOrder {
		if s.variables[name].Eventing.IsEvented() {
			out = append(out, StateChange{Variable: name, Value: s.values[name]})
		}
	}
	return out
}

// OnStateChange registers an observer for committed state changes.
func (s *Service) OnStateChange(observer StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// SetValue validates and commits one state-variable value, then notifies
// observers.
func (s *Service) SetValue(name, value string) error {
	return s.SetValues(map[string]string{name: value})
}

// SetValues validates and commits a batch of values atomically: either
// every value is accepted or none is. Observers see the batch as one
// change set reflecting the values observed at commit time.
func (s *Service) SetValues(values map[string]string) error {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return ErrServiceDisposed
	}
	if s.immutable {
		s.mu.Unlock()
		return ErrImmutableStateVariable
	}

	changes, err := s.commitLocked(values, true)
	observers := s.observers
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if len(changes) > 0 {
		for _, observer := range observers {
			observer(s, changes)
		}
	}
	return nil
}

// ApplyNotify commits values received in a GENA property set. Validation
// is tolerant: undeclared variables are skipped and reported, declared
// values are stored without lexical checks since the remote peer owns
// them.
func (s *Service) ApplyNotify(values map[string]string) (applied []StateChange, unknown []string) {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		return nil, nil
	}

	for name := range values {
		if _, declared := s.variables[name]; !declared {
			unknown = append(unknown, name)
		}
	}
	filtered := make(map[string]string, len(values))
	for name, value := range values {
		if _, declared := s.variables[name]; declared {
			filtered[name] = value
		}
	}
	applied, _ = s.commitLocked(filtered, false)
	observers := s.observers
	s.mu.Unlock()

	if len(applied) > 0 {
		for _, observer := range observers {
			observer(s, applied)
		}
	}
	return applied, unknown
}

// commitLocked validates (optionally) and stores a batch, returning the
// committed changes in declaration order. Caller holds the write lock.
func (s *Service) commitLocked(values map[string]string, validate bool) ([]StateChange, error) {
	if validate {
		for name, value := range values {
			v, declared := s.variables[name]
			if !declared {
				return nil, fmt.Errorf("%w: %s", ErrStateVariableNotFound, name)
			}
			if err := v.ValidateValue(value); err != nil {
				return nil, err
			}
		}
	}

	var changes []StateChange
	for _, name := range s.varOrder {
		value, ok := values[name]
		if !ok {
			continue
		}
		if s.values[name] == value {
			continue
		}
		s.values[name] = value
		changes = append(changes, StateChange{Variable: name, Value: value})
	}
	return changes, nil
}

// Dispose marks the service disposed. Subsequent accessors return empty
// results and mutations fail with ErrServiceDisposed.
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.observers = nil
}

// IsDisposed reports whether the service has been disposed.
func (s *Service) IsDisposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}
