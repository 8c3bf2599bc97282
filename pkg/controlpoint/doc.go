// Package controlpoint assembles the control-point role: it discovers
// devices over SSDP, builds mirrored device trees from their description
// documents, invokes remote actions over SOAP, and tracks remote state
// through GENA subscriptions.
//
// Device builds are deduplicated by description LOCATION: concurrent
// triggers for the same location join one task. A failed build is not
// retried until a fresh advertisement arrives. Installed trees expire
// with the advertised CACHE-CONTROL lifetime unless re-announced.
package controlpoint
