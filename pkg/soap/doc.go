// Package soap implements the UPnP control plane encoding: SOAP 1.1
// envelopes for action invocation, the UPnP fault taxonomy, and the
// remote invoker a control point uses to call actions on a device host.
//
// Envelopes are written by hand and read with a pull parser; the dynamic
// element names (one element per action argument, in declared order) make
// static struct mapping a poor fit.
package soap
