package registry

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTransactionCode(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	code := NewTransactionCode("ann", now)
	assert.Regexp(t, `^XBT-ANN-[0-9A-Z]{6}-[0-9A-Z]{6}$`, code)

	stamp := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	assert.Equal(t, stamp[len(stamp)-6:], strings.Split(code, "-")[2])

	assert.Regexp(t, `^XBT-XBT-[0-9A-Z]{6}-[0-9A-Z]{6}$`, NewTransactionCode("al", now))
	assert.Regexp(t, `^XBT-XBT-[0-9A-Z]{6}-[0-9A-Z]{6}$`, NewTransactionCode("", now))
	assert.Regexp(t, `^XBT-BOB-`, NewTransactionCode("bobby", now))
}

func TestNewAccountIDIsTimeOrdered(t *testing.T) {
	earlier := NewAccountID(time.UnixMilli(1_700_000_000_000))
	later := NewAccountID(time.UnixMilli(1_700_000_000_001))
	assert.True(t, strings.HasPrefix(earlier, "USER_"))
	assert.Less(t, earlier, later)
	assert.NotEqual(t, NewAccountID(time.UnixMilli(1)), NewAccountID(time.UnixMilli(1)))
}

func TestClassifyUserAgent(t *testing.T) {
	cases := []struct {
		ua      string
		browser string
		device  string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36", "Chrome", "Desktop"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 Edg/124.0", "Edge", "Desktop"},
		{"Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36 OPR/80.0", "Opera", "Mobile"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0", "Firefox", "Desktop"},
		{"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Safari/604.1", "Safari", "Tablet"},
		{"curl/8.5.0", "Unknown", "Desktop"},
		{"", "Unknown", "Unknown"},
	}
	for _, tc := range cases {
		env := ClassifyUserAgent(tc.ua)
		assert.Equal(t, tc.browser, env.Browser, tc.ua)
		assert.Equal(t, tc.device, env.Device, tc.ua)
	}
}
