// Package sidscan locates a "<marker><value>" sequence, e.g.
// "session_id=550e8400...", in a byte stream that arrives in arbitrarily
// split chunks. The scanner keeps only a bounded tail between chunks, so it
// can watch an unbounded stream without accumulating it.
package sidscan

import "bytes"

// maxValueLen bounds the extracted value so a malformed stream cannot make
// the scanner buffer without limit. Real ids are UUIDs or short hex tokens;
// a run longer than this is not an id and is discarded, not truncated.
const maxValueLen = 256

// Scanner finds the first occurrence of its marker and extracts the value
// that follows it, tolerating the marker and the value being split across
// any number of Scan calls.
type Scanner struct {
	marker     []byte
	tail       []byte // unmatched suffix of prior input, < len(marker)
	value      []byte // value bytes seen so far while collecting
	collecting bool
	discarding bool // skipping the rest of an over-long run
	done       bool
}

func New(marker string) *Scanner {
	return &Scanner{marker: []byte(marker)}
}

// Scan feeds the next chunk. It returns (value, true) exactly once, on the
// call during which the full marker and a terminated, non-empty value have
// been observed. A marker followed immediately by a terminator is ignored,
// as is a run longer than maxValueLen (no real id is that long), and
// scanning resumes past either. After the first hit Scan always reports
// false.
func (s *Scanner) Scan(chunk []byte) (string, bool) {
	if s.done || len(chunk) == 0 {
		return "", false
	}

	for {
		if s.discarding {
			i := 0
			for i < len(chunk) && isIDByte(chunk[i]) {
				i++
			}
			if i == len(chunk) {
				return "", false // the run continues into the next chunk
			}
			s.discarding = false
			chunk = chunk[i:]
		}

		if s.collecting {
			i := 0
			for i < len(chunk) && len(s.value) < maxValueLen && isIDByte(chunk[i]) {
				s.value = append(s.value, chunk[i])
				i++
			}
			if i == len(chunk) {
				return "", false // chunk ended mid-value; keep collecting
			}
			s.collecting = false
			if isIDByte(chunk[i]) {
				// The run outgrew any plausible id. Drop it rather than
				// report a truncated value, and resume the search past it.
				s.value = s.value[:0]
				s.discarding = true
				chunk = chunk[i:]
				continue
			}
			if len(s.value) > 0 {
				s.done = true
				return string(s.value), true
			}
			// Empty value ("session_id=&..."): resume the marker search.
			chunk = chunk[i:]
		}

		buf := chunk
		if len(s.tail) > 0 {
			buf = append(s.tail, chunk...)
		}
		if i := bytes.Index(buf, s.marker); i >= 0 {
			s.tail = nil
			s.value = s.value[:0]
			s.collecting = true
			chunk = buf[i+len(s.marker):]
			continue
		}
		keep := len(s.marker) - 1
		if keep > len(buf) {
			keep = len(buf)
		}
		s.tail = append([]byte(nil), buf[len(buf)-keep:]...)
		return "", false
	}
}

// isIDByte reports whether b may appear in a session id value. Anything else
// (including '&', '"' and newlines) terminates the value.
func isIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.' || b == '~' || b == '%':
		return true
	}
	return false
}
