package soap

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// ValidateInputs checks an input set against the action's declared
// arguments and their related state variables. It returns nil when the
// call may proceed, or the UPnP error the caller must fail with:
// 402 for unknown or missing arguments, 600 for a type mismatch, 601 for
// an allowed-range or allowed-list violation.
func ValidateInputs(svc *model.Service, action *model.Action, inputs map[string]string) *upnp.ActionError {
	declared := action.InputArguments()

	if len(inputs) > len(declared) {
		return upnp.NewActionError(upnp.CodeInvalidArgs, "unexpected argument")
	}

	for _, arg := range declared {
		value, present := inputs[arg.Name]
		if !present {
			return upnp.NewActionError(upnp.CodeInvalidArgs,
				fmt.Sprintf("missing argument %s", arg.Name))
		}

		variable, ok := svc.StateVariable(arg.RelatedStateVariable)
		if !ok {
			// The schema names a variable the service never declared;
			// treat the value as unconstrained.
			continue
		}
		if err := variable.ValidateValue(value); err != nil {
			switch {
			case errors.Is(err, model.ErrValueOutOfRange), errors.Is(err, model.ErrValueNotAllowed):
				return upnp.NewActionError(upnp.CodeArgumentValueOutOfRange, err.Error())
			default:
				return upnp.NewActionError(upnp.CodeArgumentValueInvalid, err.Error())
			}
		}
	}
	return nil
}

// orderedArgs arranges an input map into the action's declared argument
// order for encoding.
func orderedArgs(action *model.Action, direction model.ArgumentDirection, values map[string]string) []Arg {
	var out []Arg
	for _, arg := range action.Arguments {
		if arg.Direction != direction {
			continue
		}
		out = append(out, Arg{Name: arg.Name, Value: values[arg.Name]})
	}
	return out
}

// Call invokes an action on a remote service by posting a SOAP request to
// its control URL. Inputs are validated locally before anything is sent.
// A SOAP fault comes back as *upnp.ActionError; transport failures come
// back as upnp.ErrCommunications; any other non-2xx response maps to
// upnp.ErrOperationFailed.
func Call(ctx context.Context, client *transport.Client, controlURL string,
	svc *model.Service, actionName string, inputs map[string]string) (map[string]string, error) {

	action, ok := svc.Action(actionName)
	if !ok {
		return nil, upnp.NewActionError(upnp.CodeInvalidAction, "")
	}
	if actionErr := ValidateInputs(svc, action, inputs); actionErr != nil {
		return nil, actionErr
	}

	target, err := url.Parse(controlURL)
	if err != nil || !target.IsAbs() {
		return nil, fmt.Errorf("%w: control URL %q", upnp.ErrInvalidConfiguration, controlURL)
	}

	serviceType := svc.Info().ServiceType
	req := transport.NewRequest("POST", target.RequestURI())
	req.Header.Set(transport.HeaderHost, target.Host)
	req.Header.Set(transport.HeaderContentType, ContentType)
	req.Header.Set(transport.HeaderSOAPAction, ActionHeader(serviceType, actionName))
	req.Body = EncodeRequest(serviceType, actionName, orderedArgs(action, model.DirectionIn, inputs))

	if err := ctx.Err(); err != nil {
		return nil, upnp.ErrShuttingDown
	}
	resp, err := client.Do(req, requestHost(target))
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		// Fault bodies carry the UPnP error code regardless of status.
		if args, err := DecodeResponse(resp.Body, actionName); err != nil {
			var actionErr *upnp.ActionError
			if errors.As(err, &actionErr) {
				return nil, actionErr
			}
			return nil, fmt.Errorf("%w: control returned %d", upnp.ErrOperationFailed, resp.Status)
		} else {
			return argsToMap(args), nil
		}
	}

	args, err := DecodeResponse(resp.Body, actionName)
	if err != nil {
		return nil, err
	}
	return argsToMap(args), nil
}

// AttachRemoteInvokers wires every action of a control-point service to a
// remote invoker posting SOAP to the control URL, making Action.Invoke
// usable identically on both peers.
func AttachRemoteInvokers(client *transport.Client, controlURL string, svc *model.Service) {
	for _, action := range svc.Actions() {
		name := action.Name
		action.SetInvoker(func(ctx context.Context, inputs map[string]string) (map[string]string, *upnp.ActionError) {
			outputs, err := Call(ctx, client, controlURL, svc, name, inputs)
			if err == nil {
				return outputs, nil
			}
			var actionErr *upnp.ActionError
			if errors.As(err, &actionErr) {
				return nil, actionErr
			}
			return nil, upnp.NewActionError(upnp.CodeActionFailed, err.Error())
		})
	}
}

func argsToMap(args []Arg) map[string]string {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		out[arg.Name] = arg.Value
	}
	return out
}

func requestHost(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":80"
}
