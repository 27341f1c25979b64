package protocol

import (
	"sort"
)

// Row is one data row of a device reply, the key-value pairs of a `!re`
// sentence.
type Row map[string]string

// AppendDone appends a bare `!done` sentence.
func AppendDone(buf []byte) []byte {
	return AppendSentence(buf, Sentence{ReplyDone})
}

// AppendTrap appends a `!trap` sentence carrying the given message.
func AppendTrap(buf []byte, msg string) []byte {
	return AppendSentence(buf, Sentence{ReplyTrap, "=message=" + msg})
}

// AppendTrapDone appends a `!trap` sentence followed by `!done`, the shape a
// logical error takes on an otherwise healthy connection.
func AppendTrapDone(buf []byte, msg string) []byte {
	return AppendDone(AppendTrap(buf, msg))
}

// AppendRows synthesizes the reply for a successful list result: one `!re`
// sentence per row with a `=key=value` word per pair, then a final `!done`.
// Keys are emitted in sorted order so replies are deterministic.
func AppendRows(buf []byte, rows []Row) []byte {
	for _, row := range rows {
		s := make(Sentence, 0, len(row)+1)
		s = append(s, ReplyRe)
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s = append(s, "="+k+"="+row[k])
		}
		buf = AppendSentence(buf, s)
	}
	return AppendDone(buf)
}

// RowFromReply collects the `=key=value` words of a `!re` sentence into a Row.
func RowFromReply(s Sentence) Row {
	row := make(Row, len(s))
	for _, w := range s {
		if len(w) < 2 || w[0] != '=' {
			continue
		}
		if k, v, ok := splitKV(w[1:]); ok {
			row[k] = v
		}
	}
	return row
}
