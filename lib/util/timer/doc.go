// Package timer provides a shared, coalescing timer service. Many callers
// schedule short callbacks with a grace window; a single goroutine per
// service sleeps until the tightest window closes and then fires every event
// that is already due, so thousands of retransmission timers cost one
// goroutine and one runtime timer.
//
// A service built with NewManual has no goroutine. Tests drive it by
// advancing a mock clock and calling Poll.
package timer
