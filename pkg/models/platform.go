package models

import "strings"

// Platform identifies a social network a job is delivered to.
type Platform string

const (
	PlatformX       Platform = "x"
	PlatformThreads Platform = "threads"
)

// ParsePlatform normalizes a user or storage supplied platform tag.
func ParsePlatform(s string) Platform {
	p := strings.ToLower(strings.TrimSpace(s))
	if p == "twitter" {
		return PlatformX
	}
	return Platform(p)
}
