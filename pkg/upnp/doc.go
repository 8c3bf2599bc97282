// Package upnp defines the UPnP data elements shared by every layer of the
// library: device and service identifiers (UDN, service ID, resource type,
// USN), endpoints, product tokens, and the device/service metadata records
// carried in description documents.
//
// All identifier types are immutable values. Parse functions validate the
// lexical form defined by the UPnP Device Architecture; a strict level can
// be requested where the architecture allows sloppy real-world variants.
//
// The package also defines the error taxonomy used across the library,
// including ActionError for UPnP action faults.
package upnp
