package streamer

import "time"

func OverloadStatusInterval(overload time.Duration) func() {
	statusIntervalRef := statusInterval
	statusInterval = overload
	return func() { statusInterval = statusIntervalRef }
}
