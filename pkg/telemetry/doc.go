// Package telemetry wires OpenTelemetry exporters and meters for the extension
// runtime.
//
// It centralises trace provider setup, applies runtime-specific resource
// attributes, and records action and chain metrics so operators can correlate
// slow or failing extensions with the domains that host them.
package telemetry
