package registry

import (
	"regexp"
	"strings"

	"account-sync/internal/domain"
)

const unknownEnvironment = "Unknown"

var (
	mobileUA = regexp.MustCompile(`(?i)mobi|android`)
	tabletUA = regexp.MustCompile(`(?i)tablet|ipad`)
)

// ClassifyUserAgent maps a user agent string to a browser family and device class.
func ClassifyUserAgent(ua string) domain.Environment {
	env := domain.Environment{Browser: unknownEnvironment, Device: "Desktop"}
	if strings.TrimSpace(ua) == "" {
		env.Device = unknownEnvironment
		return env
	}

	// Edge and Opera also advertise Chrome, so they are checked first.
	switch {
	case strings.Contains(ua, "Firefox"):
		env.Browser = "Firefox"
	case strings.Contains(ua, "Edg"):
		env.Browser = "Edge"
	case strings.Contains(ua, "OPR") || strings.Contains(ua, "Opera"):
		env.Browser = "Opera"
	case strings.Contains(ua, "Chrome"):
		env.Browser = "Chrome"
	case strings.Contains(ua, "Safari"):
		env.Browser = "Safari"
	}

	switch {
	case mobileUA.MatchString(ua):
		env.Device = "Mobile"
	case tabletUA.MatchString(ua):
		env.Device = "Tablet"
	}
	return env
}

// looksLikeUserAgent reports whether a stored browser field holds a raw user agent.
func looksLikeUserAgent(s string) bool {
	return strings.HasPrefix(s, "Mozilla/") || strings.Contains(s, "AppleWebKit")
}
