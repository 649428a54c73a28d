package scanner

import (
	"bytes"
	"unicode/utf8"
)

const (
	// sampleSize is how much of a file is inspected to decide if it is text.
	sampleSize = 2048
	// maxNonTextRatio is the share of non-text bytes above which a sample is
	// considered binary.
	maxNonTextRatio = 0.30
)

// textBytes marks BEL, BS, TAB, LF, FF, CR, ESC and everything from 0x20 up.
var textBytes = func() (set [256]bool) {
	for _, b := range []byte{7, 8, 9, 10, 12, 13, 27} {
		set[b] = true
	}
	for b := 0x20; b < 0x100; b++ {
		set[b] = true
	}
	return set
}()

// IsProbablyBinary reports whether sample looks like binary data: it holds a
// NUL byte, or more than 30% of its bytes fall outside the text set.
func IsProbablyBinary(sample []byte) bool {
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	if len(sample) == 0 {
		return false
	}

	nonText := 0
	for _, b := range sample {
		if !textBytes[b] {
			nonText++
		}
	}
	return float64(nonText)/float64(len(sample)) > maxNonTextRatio
}

// splitLines splits s on universal line boundaries: \n, \r\n, \r, VT, FF,
// the ASCII file/group/record separators, NEL, LS and PS. A trailing break
// does not produce an empty final line.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isLineBreak(r) {
			i += size
			continue
		}
		lines = append(lines, s[start:i])
		i += size
		if r == '\r' && i < len(s) && s[i] == '\n' {
			i++
		}
		start = i
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', 0x1c, 0x1d, 0x1e, 0x85, 0x2028, 0x2029:
		return true
	}
	return false
}
