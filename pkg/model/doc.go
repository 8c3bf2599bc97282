// Package model implements the in-memory UPnP device tree shared by the
// device host and the control point: devices with embedded devices and
// services, service state tables with typed state variables, action
// registries, and a storage registry of root devices.
//
// Ownership is strictly hierarchical. A root device owns its subtree;
// services and embedded devices hold a non-owning back reference to their
// parent. State-variable change observers are registered per service and
// invoked outside the service lock, in the order the mutations were
// committed.
package model
