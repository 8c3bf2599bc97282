// Package log provides structured logging of UPnP protocol events.
//
// Every layer of the library (SSDP, HTTP framing, GENA eventing, SOAP
// control, description handling) emits Event values through a Logger
// supplied by the application. The package ships a no-op logger, a Tee
// fan-out, an slog adapter for human-readable console output, and a
// capture-file logger plus Reader for offline protocol analysis. Capture
// files are CBOR streams: a tagged header record, then one record per
// event, each carrying exactly one UPnP payload (datagram, HTTP message,
// subscription event or error).
//
// Logging never affects protocol behavior: events that fail capture
// validation are counted and dropped, and a nil Logger everywhere
// disables logging entirely.
package log
