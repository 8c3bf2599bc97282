// Package host assembles the device-host role: it publishes root devices
// onto the network by announcing them over SSDP, serving their
// description, SCPD and icon documents over HTTP, dispatching SOAP
// control requests to action invokers, and notifying GENA subscribers of
// state-variable changes.
//
// A device enters the host either as an in-memory model tree or as
// description documents on disk (the description XML plus one SCPD per
// service). Served bytes are cached at publish time, so document GETs
// never re-serialize.
package host
