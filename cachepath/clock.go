package cachepath

import "time"

// nowMs returns the current time as milliseconds since the Unix epoch, the
// unit used for expiry deadlines. Duplicated from the root package's clock
// helper rather than imported, since cachepath is a leaf package the root
// façade depends on.
func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
