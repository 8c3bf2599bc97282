package model

import (
	"context"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// ArgumentDirection is the direction of an action argument.
type ArgumentDirection uint8

const (
	// DirectionIn is an input argument.
	DirectionIn ArgumentDirection = iota
	// DirectionOut is an output argument.
	DirectionOut
)

// String returns the SCPD form of the direction.
func (d ArgumentDirection) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// Argument is one declared argument of an action. Every argument names a
// related state variable, which provides the argument's type and value
// constraints.
type Argument struct {
	Name                 string
	Direction            ArgumentDirection
	RelatedStateVariable string
	// ReturnValue marks the single output argument flagged as
	// <retval/> in the SCPD, if any.
	ReturnValue bool
}

// Invoker resolves an action's input set to an output set or a UPnP error.
// Invokers run on the host; the control-point side synthesizes one that
// posts SOAP to the remote control URL.
type Invoker func(ctx context.Context, inputs map[string]string) (map[string]string, *upnp.ActionError)

// Action is a named operation of a service with ordered input and output
// argument lists.
type Action struct {
	Name      string
	Arguments []Argument

	invoker Invoker
}

// InputArguments returns the input arguments in declared order.
func (a *Action) InputArguments() []Argument {
	return a.argumentsByDirection(DirectionIn)
}

// OutputArguments returns the output arguments in declared order.
func (a *Action) OutputArguments() []Argument {
	return a.argumentsByDirection(DirectionOut)
}

func (a *Action) argumentsByDirection(dir ArgumentDirection) []Argument {
	var out []Argument
	for _, arg := range a.Arguments {
		if arg.Direction == dir {
			out = append(out, arg)
		}
	}
	return out
}

// Argument returns the declared argument with the given name.
func (a *Action) Argument(name string) (Argument, bool) {
	for _, arg := range a.Arguments {
		if arg.Name == name {
			return arg, true
		}
	}
	return Argument{}, false
}

// SetInvoker attaches the callable that implements the action.
func (a *Action) SetInvoker(invoker Invoker) {
	a.invoker = invoker
}

// Invoke runs the attached invoker. Without one the action fails with
// error 602 (Optional Action Not Implemented).
func (a *Action) Invoke(ctx context.Context, inputs map[string]string) (map[string]string, *upnp.ActionError) {
	if a.invoker == nil {
		return nil, upnp.NewActionError(upnp.CodeOptionalActionNotImplemented, "")
	}
	return a.invoker(ctx, inputs)
}
