package cache

import (
	"fmt"
	"time"
)

// LastDispatchKey holds the summary of the most recent dispatch run.
const LastDispatchKey = "dispatch:last"

// RateLimitKey names the counter for one subject in the window starting at
// windowStart.
func RateLimitKey(subject string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", subject, windowStart.Unix())
}

func TriggerLockKey(name string) string {
	return fmt.Sprintf("trigger:lock:%s", name)
}
