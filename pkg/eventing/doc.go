// Package eventing implements GENA, the UPnP event plane, for both peers.
//
// The host side (Notifier) accepts SUBSCRIBE/UNSUBSCRIBE requests,
// delivers the initial property-set snapshot with SEQ 0 over the
// subscribed connection, fans out batched state-variable changes to every
// subscriber in strict SEQ order, and expires subscriptions on timeout or
// after three consecutive delivery failures.
//
// The control-point side (Manager) runs the subscription state machine:
// it issues SUBSCRIBE, renews ahead of the granted timeout, ingests
// NOTIFY callbacks with strict sequence checking, and updates the mirrored
// service state.
package eventing
