package selector

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/evently-hq/evently/internal/eventid"
)

// Packed field keys, single-byte and pre-sorted so the encoder emits map
// entries in one fixed order. The token doubles as the subscription key
// and the ETag basis, so encoding must be byte-stable.
const (
	keyAfter    = "a" // 16-byte packed event id
	keyEvents   = "d" // event name -> {q, v}
	keyEntities = "e" // entity name -> key list
	keyLimit    = "l" // uint32
	keyMeta     = "m" // {q, v}

	keyQuery = "q"
	keyVars  = "v"
)

// ErrInvalidToken reports an undecodable selector URI token.
var ErrInvalidToken = errors.New("invalid selector token")

// Encode canonicalizes s and packs it into a URL-safe token.
func Encode(s Selector) (string, error) {
	c, err := s.Canonical()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	fields := 0
	if c.After != nil {
		fields++
	}
	if len(c.Events) > 0 {
		fields++
	}
	if len(c.Entities) > 0 {
		fields++
	}
	if c.Limit > 0 {
		fields++
	}
	if c.Meta != nil {
		fields++
	}
	if err := enc.EncodeMapLen(fields); err != nil {
		return "", err
	}

	if c.After != nil {
		b, err := c.After.Bytes()
		if err != nil {
			return "", err
		}
		if err := encodePair(enc, keyAfter, func() error { return enc.EncodeBytes(b) }); err != nil {
			return "", err
		}
	}
	if len(c.Events) > 0 {
		err := encodePair(enc, keyEvents, func() error {
			if err := enc.EncodeMapLen(len(c.Events)); err != nil {
				return err
			}
			for _, name := range sortedKeys(c.Events) {
				if err := enc.EncodeString(name); err != nil {
					return err
				}
				if err := encodePathQuery(enc, c.Events[name]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	if len(c.Entities) > 0 {
		err := encodePair(enc, keyEntities, func() error {
			if err := enc.EncodeMapLen(len(c.Entities)); err != nil {
				return err
			}
			for _, name := range sortedKeys(c.Entities) {
				if err := enc.EncodeString(name); err != nil {
					return err
				}
				keys := c.Entities[name]
				if err := enc.EncodeArrayLen(len(keys)); err != nil {
					return err
				}
				for _, k := range keys {
					if err := enc.EncodeString(k); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	if c.Limit > 0 {
		if err := encodePair(enc, keyLimit, func() error { return enc.EncodeUint32(c.Limit) }); err != nil {
			return "", err
		}
	}
	if c.Meta != nil {
		if err := encodePair(enc, keyMeta, func() error { return encodePathQuery(enc, *c.Meta) }); err != nil {
			return "", err
		}
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode unpacks a URI token back into its canonical selector.
func Decode(token string) (Selector, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	fields, err := dec.DecodeMapLen()
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var s Selector
	for i := 0; i < fields; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		switch key {
		case keyAfter:
			b, err := dec.DecodeBytes()
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			id, err := eventid.FromBytes(b)
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			s.After = &id
		case keyEvents:
			n, err := dec.DecodeMapLen()
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			s.Events = make(map[string]PathQuery, n)
			for j := 0; j < n; j++ {
				name, err := dec.DecodeString()
				if err != nil {
					return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
				}
				pq, err := decodePathQuery(dec)
				if err != nil {
					return Selector{}, err
				}
				s.Events[name] = pq
			}
		case keyEntities:
			n, err := dec.DecodeMapLen()
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			s.Entities = make(map[string][]string, n)
			for j := 0; j < n; j++ {
				name, err := dec.DecodeString()
				if err != nil {
					return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
				}
				cnt, err := dec.DecodeArrayLen()
				if err != nil {
					return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
				}
				keys := make([]string, 0, cnt)
				for k := 0; k < cnt; k++ {
					key, err := dec.DecodeString()
					if err != nil {
						return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
					}
					keys = append(keys, key)
				}
				s.Entities[name] = keys
			}
		case keyLimit:
			v, err := dec.DecodeUint32()
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			s.Limit = v
		case keyMeta:
			pq, err := decodePathQuery(dec)
			if err != nil {
				return Selector{}, err
			}
			s.Meta = &pq
		default:
			return Selector{}, fmt.Errorf("%w: unknown field %q", ErrInvalidToken, key)
		}
	}

	if _, err := dec.PeekCode(); err != io.EOF {
		return Selector{}, fmt.Errorf("%w: trailing bytes", ErrInvalidToken)
	}

	out, err := s.Canonical()
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return out, nil
}

func encodePair(enc *msgpack.Encoder, key string, value func() error) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return value()
}

func encodePathQuery(enc *msgpack.Encoder, pq PathQuery) error {
	fields := 1
	if len(pq.Vars) > 0 {
		fields = 2
	}
	if err := enc.EncodeMapLen(fields); err != nil {
		return err
	}
	if err := enc.EncodeString(keyQuery); err != nil {
		return err
	}
	if err := enc.EncodeString(pq.Query); err != nil {
		return err
	}
	if len(pq.Vars) > 0 {
		if err := enc.EncodeString(keyVars); err != nil {
			return err
		}
		if err := encodeValue(enc, pq.Vars); err != nil {
			return err
		}
	}
	return nil
}

func decodePathQuery(dec *msgpack.Decoder) (PathQuery, error) {
	fields, err := dec.DecodeMapLen()
	if err != nil {
		return PathQuery{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var pq PathQuery
	for i := 0; i < fields; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return PathQuery{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		switch key {
		case keyQuery:
			q, err := dec.DecodeString()
			if err != nil {
				return PathQuery{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			pq.Query = q
		case keyVars:
			v, err := decodeValue(dec)
			if err != nil {
				return PathQuery{}, err
			}
			vars, ok := v.(map[string]any)
			if !ok {
				return PathQuery{}, fmt.Errorf("%w: vars must be a map", ErrInvalidToken)
			}
			pq.Vars = vars
		default:
			return PathQuery{}, fmt.Errorf("%w: unknown field %q", ErrInvalidToken, key)
		}
	}
	return pq, nil
}

// encodeValue writes a normalized JSON value. Maps emit keys in sorted
// order; numbers are already float64 after canonicalization.
func encodeValue(enc *msgpack.Encoder, v any) error {
	switch v := v.(type) {
	case nil:
		return enc.EncodeNil()
	case bool:
		return enc.EncodeBool(v)
	case float64:
		return enc.EncodeFloat64(v)
	case string:
		return enc.EncodeString(v)
	case []any:
		if err := enc.EncodeArrayLen(len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := encodeValue(enc, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := enc.EncodeMapLen(len(v)); err != nil {
			return err
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, v[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unencodable vars value of type %T", v)
	}
}

func decodeValue(dec *msgpack.Decoder) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch {
	case code == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case code == msgpcode.True || code == msgpcode.False:
		return dec.DecodeBool()
	case code == msgpcode.Double || code == msgpcode.Float:
		return dec.DecodeFloat64()
	case msgpcode.IsFixedNum(code) ||
		code == msgpcode.Int8 || code == msgpcode.Int16 || code == msgpcode.Int32 || code == msgpcode.Int64 ||
		code == msgpcode.Uint8 || code == msgpcode.Uint16 || code == msgpcode.Uint32 || code == msgpcode.Uint64:
		n, err := dec.DecodeInt64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return float64(n), nil
	case msgpcode.IsString(code):
		return dec.DecodeString()
	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value code %#x", ErrInvalidToken, code)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
