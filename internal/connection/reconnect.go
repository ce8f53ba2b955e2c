package connection

import "time"

// NextReconnectDelay returns the delay after lastErrorTime at which
// attemptIndex (1-based: 1 is the first attempt) is allowed to run
// (spec §4.10 reconnect timing): zero for the first attempt, 1s for
// the second, 2s for every attempt after that.
func NextReconnectDelay(attemptIndex int) time.Duration {
	switch {
	case attemptIndex <= 1:
		return 0
	case attemptIndex == 2:
		return time.Second
	default:
		return 2 * time.Second
	}
}

// ShouldReconnect reports the next allowed reconnect time and whether
// it falls before deadline. A next time at or past deadline refuses
// the reconnect.
func ShouldReconnect(attemptIndex int, lastErrorTime, deadline time.Time) (time.Time, bool) {
	next := lastErrorTime.Add(NextReconnectDelay(attemptIndex))
	if !next.Before(deadline) {
		return next, false
	}
	return next, true
}
