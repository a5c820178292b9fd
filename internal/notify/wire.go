package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Notification is one decoded ALL_EVENTS payload. Meta and Data are nil
// when the payload left them out to stay under the notification size
// limit; HasMeta and HasData distinguish omission from stored nulls.
type Notification struct {
	LedgerID  string
	Timestamp int64
	Checksum  uint32
	Event     string
	Entities  map[string][]string
	Meta      json.RawMessage
	Data      json.RawMessage
	HasMeta   bool
	HasData   bool
}

// ParseNotification decodes the CSV payload of an ALL_EVENTS notification:
//
//	ledgerId,timestamp,checksum,event,entities[,meta[,data]]
//
// Fields are bare, single-quoted with doubled quotes, or E'…'-quoted with
// an additional backslash escape pass.
func ParseNotification(payload string) (Notification, error) {
	fields, err := splitFields(payload)
	if err != nil {
		return Notification{}, err
	}
	if len(fields) < 5 || len(fields) > 7 {
		return Notification{}, fmt.Errorf("notification has %d fields, want 5 to 7", len(fields))
	}

	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("timestamp %q: %w", fields[1], err)
	}
	chk, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Notification{}, fmt.Errorf("checksum %q: %w", fields[2], err)
	}

	n := Notification{
		LedgerID:  fields[0],
		Timestamp: ts,
		Checksum:  uint32(chk),
		Event:     fields[3],
	}
	if err := json.Unmarshal([]byte(fields[4]), &n.Entities); err != nil {
		return Notification{}, fmt.Errorf("entities: %w", err)
	}
	if len(fields) >= 6 {
		n.HasMeta = true
		n.Meta = rawDoc(fields[5])
	}
	if len(fields) == 7 {
		n.HasData = true
		n.Data = rawDoc(fields[6])
	}
	return n, nil
}

// rawDoc keeps a JSON field verbatim, folding SQL NULL renderings to nil.
func rawDoc(s string) json.RawMessage {
	switch strings.TrimSpace(s) {
	case "", "null":
		return nil
	}
	return json.RawMessage(s)
}

func splitFields(s string) ([]string, error) {
	var fields []string
	i := 0
	for {
		field, next, err := readField(s, i)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
		if next >= len(s) {
			return fields, nil
		}
		if s[next] != ',' {
			return nil, fmt.Errorf("unexpected %q at offset %d", s[next], next)
		}
		i = next + 1
	}
}

// readField consumes one field starting at i and returns its decoded value
// and the offset of the terminator (a comma or end of input).
func readField(s string, i int) (string, int, error) {
	escaped := false
	switch {
	case strings.HasPrefix(s[i:], "E'") || strings.HasPrefix(s[i:], "e'"):
		escaped = true
		i += 2
	case i < len(s) && s[i] == '\'':
		i++
	default:
		end := strings.IndexByte(s[i:], ',')
		if end < 0 {
			return s[i:], len(s), nil
		}
		return s[i : i+end], i + end, nil
	}

	var b strings.Builder
	for i < len(s) {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i += 2
			continue
		}
		val := b.String()
		if escaped {
			val = unescapeBackslashes(val)
		}
		return val, i + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated quoted field at offset %d", i)
}

// unescapeBackslashes resolves C-style escapes in an E'…' literal.
func unescapeBackslashes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
