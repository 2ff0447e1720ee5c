// Package plugin lets extensions observe and control a device.
//
// A Services value is the handle every plugin receives. It exposes the
// device properties, the lifecycle state and exclusive control over state
// transitions. At most one plugin, the controller, may request
// transitions at a time; others get ErrDeviceControl until the
// controller releases control or another plugin steals it.
//
// Plugins are linked into the binary and registered by name with a
// Registry. A Manager instantiates them in registration order and closes
// them in reverse order.
package plugin
