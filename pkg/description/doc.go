// Package description parses and serializes the two XML document kinds of
// UPnP: device descriptions (UDA §2.3) and service control protocol
// descriptions (UDA §2.5).
//
// Parsing runs in one of two modes. Strict mode rejects documents that
// violate a mandatory rule, such as an action argument without a related
// state variable. Tolerant mode drops the offending element, records a
// warning, and keeps the rest of the document; this is the mode deployed
// control points need, because real devices ship broken documents.
package description
