// Package mac implements a CSMA medium access protocol with low-power
// listening, stop-and-wait acknowledgments, binary exponential backoff and
// virtual carrier sensing (NAV).
//
// The Machine is a pure decision engine. The radio, timer service, clock and
// upper layer are injected collaborators, and every entry point runs to
// completion on the caller's goroutine. The package also contains the
// 7-octet frame codec used on air.
package mac
