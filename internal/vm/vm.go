// Package vm runs virtual machines through their lifecycle.
//
// A Machine pairs a vmconfig.Configuration with a hypervisor.Driver and
// moves through the states in state.go under a single-flight guard. The
// Manager keeps the on-disk library of machines, creates and removes them,
// and imports downloaded bundles. Committed transitions are published on a
// Broker and counted in Metrics.
package vm
