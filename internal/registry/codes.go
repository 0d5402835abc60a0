package registry

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	transactionCodePrefix = "XBT"
	codeFallbackPrefix    = "XBT"
	codeSegmentLen        = 6
	accountIDPrefix       = "USER_"
	base36Alphabet        = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewAccountID returns a time-ordered id. Collisions are unlikely but not ruled out.
func NewAccountID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	return accountIDPrefix + id.String()
}

// NewTransactionCode builds XBT-<first 3 letters>-<time>-<random>, all upper case.
func NewTransactionCode(username string, now time.Time) string {
	prefix := codeFallbackPrefix
	if runes := []rune(strings.TrimSpace(username)); len(runes) >= 3 {
		prefix = strings.ToUpper(string(runes[:3]))
	}

	stamp := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	if len(stamp) > codeSegmentLen {
		stamp = stamp[len(stamp)-codeSegmentLen:]
	} else {
		stamp = strings.Repeat("0", codeSegmentLen-len(stamp)) + stamp
	}

	return fmt.Sprintf("%s-%s-%s-%s", transactionCodePrefix, prefix, stamp, randomBase36(codeSegmentLen))
}

func randomBase36(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(base36Alphabet[mrand.IntN(len(base36Alphabet))])
	}
	return b.String()
}
