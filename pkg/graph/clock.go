package graph

import "time"

// Now returns the current time as float seconds since epoch, the
// timestamp format used in version records and orphan stamps. Components
// that need a fakeable clock take a func() float64 and default to this.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
