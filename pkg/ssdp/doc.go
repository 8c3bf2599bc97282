// Package ssdp implements the Simple Service Discovery Protocol: the UDP
// multicast announce/search plane of UPnP.
//
// A Socket joins 239.255.255.250:1900 and carries NOTIFY and M-SEARCH
// datagrams plus unicast search responses. On top of it, the Advertiser
// publishes a device host's resources (alive bursts, periodic
// re-announcement, byebye on stop, search replies) and the Browser feeds
// a control point (search emission, advertisement dispatch).
//
// Datagram parsing is strict where the specification demands it (a
// malformed CACHE-CONTROL drops the whole message) and tolerant
// everywhere else: unknown header lines are ignored for forward
// compatibility.
package ssdp
