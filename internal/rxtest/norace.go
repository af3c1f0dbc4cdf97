//go:build !race

package rxtest

import "testing"

// SkipRace is a no-op without the race detector.
func SkipRace(testing.TB) {}
