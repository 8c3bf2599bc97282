package description

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// SCPD document types, mirroring UDA §2.5.
type xmlSCPD struct {
	XMLName     xml.Name       `xml:"scpd"`
	Xmlns       string         `xml:"xmlns,attr,omitempty"`
	SpecVersion xmlSpecVersion `xml:"specVersion"`
	ActionList  *xmlActionList `xml:"actionList,omitempty"`
	StateTable  xmlStateTable  `xml:"serviceStateTable"`
}

const serviceNamespace = "urn:schemas-upnp-org:service-1-0"

type xmlActionList struct {
	Actions []xmlAction `xml:"action"`
}

type xmlAction struct {
	Name         string       `xml:"name"`
	ArgumentList *xmlArgList  `xml:"argumentList,omitempty"`
}

type xmlArgList struct {
	Arguments []xmlArgument `xml:"argument"`
}

type xmlArgument struct {
	Name            string    `xml:"name"`
	Direction       string    `xml:"direction"`
	RetVal          *struct{} `xml:"retval,omitempty"`
	RelatedVariable string    `xml:"relatedStateVariable"`
}

type xmlStateTable struct {
	Variables []xmlStateVariable `xml:"stateVariable"`
}

type xmlStateVariable struct {
	SendEvents   string        `xml:"sendEvents,attr,omitempty"`
	Multicast    string        `xml:"multicast,attr,omitempty"`
	Name         string        `xml:"name"`
	DataType     string        `xml:"dataType"`
	DefaultValue string        `xml:"defaultValue,omitempty"`
	AllowedList  *xmlAllowList `xml:"allowedValueList,omitempty"`
	AllowedRange *xmlAllowRng  `xml:"allowedValueRange,omitempty"`
}

type xmlAllowList struct {
	Values []string `xml:"allowedValue"`
}

type xmlAllowRng struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

// ParseSCPD parses a service description document and populates the
// service's state table and action registry. In strict mode any
// mandatory-rule violation fails the parse; in tolerant mode the
// offending action or variable is dropped and a warning returned.
func ParseSCPD(data []byte, svc *model.Service, strict bool) ([]string, error) {
	var doc xmlSCPD
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidServiceDescription, err)
	}

	var warnings []string

	for _, varDoc := range doc.StateTable.Variables {
		variable, err := buildStateVariable(&varDoc)
		if err != nil {
			if strict {
				return nil, err
			}
			warnings = append(warnings, err.Error())
			continue
		}
		if err := svc.AddStateVariable(variable); err != nil {
			if strict {
				return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidServiceDescription, err)
			}
			warnings = append(warnings, err.Error())
		}
	}

	if doc.ActionList != nil {
		for _, actionDoc := range doc.ActionList.Actions {
			action, err := buildAction(&actionDoc, svc)
			if err != nil {
				if strict {
					return nil, err
				}
				warnings = append(warnings, err.Error())
				continue
			}
			if err := svc.AddAction(action); err != nil {
				if strict {
					return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidServiceDescription, err)
				}
				warnings = append(warnings, err.Error())
			}
		}
	}

	return warnings, nil
}

func buildStateVariable(doc *xmlStateVariable) (*model.StateVariable, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: state variable without name", upnp.ErrInvalidServiceDescription)
	}
	dataType, err := model.ParseDataType(doc.DataType)
	if err != nil {
		return nil, fmt.Errorf("%w: variable %s: %v", upnp.ErrInvalidServiceDescription, doc.Name, err)
	}

	eventing := model.NoEvents
	// The sendEvents attribute defaults to yes per UDA.
	if doc.SendEvents == "" || strings.EqualFold(doc.SendEvents, "yes") {
		eventing = model.UnicastOnly
		if strings.EqualFold(doc.Multicast, "yes") {
			eventing = model.UnicastAndMulticast
		}
	}

	variable := &model.StateVariable{
		Name:         doc.Name,
		Type:         dataType,
		Eventing:     eventing,
		DefaultValue: doc.DefaultValue,
	}
	if doc.AllowedList != nil {
		variable.AllowedValues = append(variable.AllowedValues, doc.AllowedList.Values...)
	}
	if doc.AllowedRange != nil {
		variable.Range = model.AllowedRange{
			Min:  doc.AllowedRange.Minimum,
			Max:  doc.AllowedRange.Maximum,
			Step: doc.AllowedRange.Step,
		}
	}
	return variable, nil
}

func buildAction(doc *xmlAction, svc *model.Service) (*model.Action, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: action without name", upnp.ErrInvalidServiceDescription)
	}

	action := &model.Action{Name: doc.Name}
	if doc.ArgumentList == nil {
		return action, nil
	}

	for _, argDoc := range doc.ArgumentList.Arguments {
		if argDoc.Name == "" || argDoc.RelatedVariable == "" {
			return nil, fmt.Errorf("%w: action %s has an argument missing mandatory fields",
				upnp.ErrInvalidServiceDescription, doc.Name)
		}
		if _, declared := svc.StateVariable(argDoc.RelatedVariable); !declared {
			return nil, fmt.Errorf("%w: action %s argument %s references undeclared variable %s",
				upnp.ErrInvalidServiceDescription, doc.Name, argDoc.Name, argDoc.RelatedVariable)
		}

		direction := model.DirectionIn
		switch strings.ToLower(argDoc.Direction) {
		case "in":
		case "out":
			direction = model.DirectionOut
		default:
			return nil, fmt.Errorf("%w: action %s argument %s has direction %q",
				upnp.ErrInvalidServiceDescription, doc.Name, argDoc.Name, argDoc.Direction)
		}

		action.Arguments = append(action.Arguments, model.Argument{
			Name:                 argDoc.Name,
			Direction:            direction,
			RelatedStateVariable: argDoc.RelatedVariable,
			ReturnValue:          argDoc.RetVal != nil,
		})
	}
	return action, nil
}

// SerializeSCPD renders a service's state table and actions back into an
// SCPD document.
func SerializeSCPD(svc *model.Service) ([]byte, error) {
	doc := xmlSCPD{Xmlns: serviceNamespace, SpecVersion: xmlSpecVersion{Major: 1, Minor: 1}}

	for _, action := range svc.Actions() {
		actionDoc := xmlAction{Name: action.Name}
		if len(action.Arguments) > 0 {
			actionDoc.ArgumentList = &xmlArgList{}
			for _, arg := range action.Arguments {
				argDoc := xmlArgument{
					Name:            arg.Name,
					Direction:       arg.Direction.String(),
					RelatedVariable: arg.RelatedStateVariable,
				}
				if arg.ReturnValue {
					argDoc.RetVal = &struct{}{}
				}
				actionDoc.ArgumentList.Arguments = append(actionDoc.ArgumentList.Arguments, argDoc)
			}
		}
		if doc.ActionList == nil {
			doc.ActionList = &xmlActionList{}
		}
		doc.ActionList.Actions = append(doc.ActionList.Actions, actionDoc)
	}

	for _, variable := range svc.StateVariables() {
		varDoc := xmlStateVariable{
			Name:         variable.Name,
			DataType:     variable.Type.String(),
			DefaultValue: variable.DefaultValue,
			SendEvents:   "no",
		}
		if variable.Eventing.IsEvented() {
			varDoc.SendEvents = "yes"
		}
		if variable.Eventing == model.UnicastAndMulticast {
			varDoc.Multicast = "yes"
		}
		if len(variable.AllowedValues) > 0 {
			varDoc.AllowedList = &xmlAllowList{Values: variable.AllowedValues}
		}
		if !variable.Range.IsZero() {
			varDoc.AllowedRange = &xmlAllowRng{
				Minimum: variable.Range.Min,
				Maximum: variable.Range.Max,
				Step:    variable.Range.Step,
			}
		}
		doc.StateTable.Variables = append(doc.StateTable.Variables, varDoc)
	}

	out, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidServiceDescription, err)
	}
	return append([]byte(xml.Header), out...), nil
}
