package commands

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Prefixes accepted in front of a command word. Matrix users type
// "!door last", Telegram users "/door last".
var Prefixes = []string{"/", "!"}

var ridSeq atomic.Uint64

// newReqID returns a short, log-friendly request id:
// base36 timestamp, sequence and two random chars.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// cutPrefix strips a command prefix. ok is false for plain chat text.
func cutPrefix(text string) (rest string, ok bool) {
	for _, p := range Prefixes {
		if r, found := strings.CutPrefix(text, p); found && r != "" && r[0] != ' ' {
			return r, true
		}
	}
	return "", false
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/door last 3
//	!door last "3"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
