// Package testutil provides deterministic random data and workload
// generators shared by tests and benchmarks.
//
// Nothing here is part of the public API surface; production code must not
// depend on it.
package testutil
