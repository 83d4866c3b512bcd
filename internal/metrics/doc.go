// Package metrics exposes Prometheus instruments for the acquisition
// pipeline and the trigger controller.
//
// All Collector methods are safe on a nil receiver, so components can take
// an optional collector without guarding every call.
package metrics
