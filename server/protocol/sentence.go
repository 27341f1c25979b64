package protocol

import (
	"strings"
)

// Reply tokens of the device protocol.
const (
	ReplyDone  = "!done"
	ReplyRe    = "!re"
	ReplyTrap  = "!trap"
	ReplyFatal = "!fatal"
)

// Sentence is an ordered list of words. On the wire a sentence is terminated
// by the empty word (a single 0x00 byte). The first word is the command or
// reply token; the rest are attributes (`=key=value`), API filters
// (`?key=value`) or, on replies, bare values.
type Sentence []string

// AppendSentence appends the wire encoding of s, terminator included.
func AppendSentence(buf []byte, s Sentence) []byte {
	for _, w := range s {
		buf = AppendStringWord(buf, w)
	}
	return append(buf, 0x00)
}

// DecodeSentence reads one terminated sentence from data and returns it with
// the number of bytes consumed. ErrNotEnoughStream is returned while the
// terminator has not arrived yet; ErrIllegalPrefix is a fatal framing error
// for the connection the buffer belongs to.
func DecodeSentence(data []byte) (Sentence, int, error) {
	var (
		s   Sentence
		pos int
	)
	for {
		w, n, err := DecodeWord(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if len(w) == 0 {
			return s, pos, nil
		}
		s = append(s, string(w))
	}
}

// Command returns the first word, or "" for an empty sentence.
func (s Sentence) Command() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Has reports whether any word of the sentence equals w.
func (s Sentence) Has(w string) bool {
	for _, word := range s {
		if word == w {
			return true
		}
	}
	return false
}

// Attribute returns the value of the `=key=value` word for key.
func (s Sentence) Attribute(key string) (string, bool) {
	prefix := "=" + key + "="
	for _, w := range s {
		if strings.HasPrefix(w, prefix) {
			return w[len(prefix):], true
		}
	}
	return "", false
}

// Attributes returns all `=key=value` words as a map. The special
// `=.proplist=` projection word is excluded; use PropList for it.
func (s Sentence) Attributes() map[string]string {
	attrs := make(map[string]string)
	for _, w := range s[min(1, len(s)):] {
		if !strings.HasPrefix(w, "=") {
			continue
		}
		k, v, ok := splitKV(w[1:])
		if !ok || k == ".proplist" {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

// Filters returns all `?key=value` equality filter words as a map. Filter
// words carrying API query operators (`?>…`, `?<…`, `?#…`, `?-…`) are not
// equality filters and are skipped.
func (s Sentence) Filters() map[string]string {
	filters := make(map[string]string)
	for _, w := range s[min(1, len(s)):] {
		if !strings.HasPrefix(w, "?") || len(w) < 2 {
			continue
		}
		if strings.ContainsRune("<>#-=", rune(w[1])) {
			continue
		}
		if k, v, ok := splitKV(w[1:]); ok {
			filters[k] = v
		}
	}
	return filters
}

// PropList returns the `.proplist` projection fields, if present.
func (s Sentence) PropList() []string {
	v, ok := s.Attribute(".proplist")
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func splitKV(w string) (string, string, bool) {
	i := strings.IndexByte(w, '=')
	if i <= 0 {
		return "", "", false
	}
	return w[:i], w[i+1:], true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
