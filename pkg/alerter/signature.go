package alerter

import (
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// minHexRun is the shortest hex token collapsed whole. Hex runs without
// any digit are never collapsed, so ordinary words like "added" survive.
const minHexRun = 4

// Signature derives the tracking key for an unhandled event: a stable
// digest of the hostname plus the shape of the message. The digest is
// deterministic across processes, so every worker increments the same
// substrate counter for the same recurring pattern.
func Signature(hostname, message string) string {
	key := struct {
		Hostname string
		Shape    string
	}{hostname, shape(message)}

	sum, err := hashstructure.Hash(key, hashstructure.FormatV2, nil)
	if err != nil {
		// Hash only fails on unsupported kinds; a pair of strings is not
		// one. Keep tracking alive with a readable key regardless.
		return key.Hostname + ":" + key.Shape
	}
	return strconv.FormatUint(sum, 16)
}

// shape rewrites a message so volatile tokens share one spelling: every
// run of decimal digits, and every hex run of at least minHexRun chars
// containing a digit, becomes a single '#'. Interface indexes, counters,
// addresses, and session ids then stop fragmenting the pattern count.
//
//	"BGP peer 10.20.30.40 down (AS 65001)" -> "BGP peer #.#.#.# down (AS #)"
func shape(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for i := 0; i < len(message); {
		run, hasDigit := hexRun(message, i)
		switch {
		case run >= minHexRun && hasDigit:
			b.WriteByte('#')
			i += run
		case isDigit(message[i]):
			for i < len(message) && isDigit(message[i]) {
				i++
			}
			b.WriteByte('#')
		case run > 0:
			b.WriteString(message[i : i+run])
			i += run
		default:
			b.WriteByte(message[i])
			i++
		}
	}
	return b.String()
}

// hexRun measures the run of hex digits starting at i and whether it
// contains at least one decimal digit.
func hexRun(s string, i int) (length int, hasDigit bool) {
	j := i
	for j < len(s) && isHex(s[j]) {
		if isDigit(s[j]) {
			hasDigit = true
		}
		j++
	}
	return j - i, hasDigit
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
