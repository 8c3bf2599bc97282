// Package transport implements the HTTP/1.1 framing UPnP control traffic
// rides on: description fetches, SOAP control, and GENA subscription and
// notification, including the nonstandard SUBSCRIBE, UNSUBSCRIBE and
// NOTIFY methods.
//
// The framing layer reads and writes messages over a net.Conn with a
// receive-timeout-no-data model and a cooperative shutdown flag honored
// within 500 ms. Chunked transfer encoding is handled in both directions;
// a message declaring both a Content-Length and chunked encoding is
// rejected. The server side runs a bounded worker pool with a method/path
// router and a draining shutdown.
package transport
