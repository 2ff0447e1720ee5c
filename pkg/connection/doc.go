// Package connection keeps connect-side endpoints connected.
//
// A Manager owns one outgoing endpoint. It dials in the background, and
// when the peer goes away it dials again with exponential backoff:
//
//	delay = base + random(0, base * Jitter)
//	base  = Initial, Initial*Multiplier, ... capped at Max
//
// The base delay returns to Initial after every successful connect. A
// bind side that is not up yet is therefore not an error for the
// connecting device; it keeps trying until the Manager is closed.
package connection
