// Package value converts application values to and from the opaque payload
// bytes carried by get, put and monitor messages. The codec is swappable;
// CBOR is the default because it is self-describing.
package value

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var ErrEmptyPayload = errors.New("value: empty payload")

// Codec marshals values for the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// CBOR is the default Codec. Integers decode as int64.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("value: cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("value: cbor dec mode: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

// Default returns a CBOR codec; construction only fails on invalid options.
func Default() Codec {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value: marshal %T: %w", v, err)
	}
	return b, nil
}

func (c *CBOR) Unmarshal(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	var v any
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("value: unmarshal: %w", err)
	}
	return v, nil
}

// Format renders v for display, eliding array elements past maxArray.
func Format(v any, maxArray int) string {
	var sb strings.Builder
	format(&sb, v, maxArray)
	return sb.String()
}

func format(sb *strings.Builder, v any, maxArray int) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case string:
		fmt.Fprintf(sb, "%q", t)
	case []byte:
		formatList(sb, len(t), maxArray, func(i int) { fmt.Fprintf(sb, "%d", t[i]) })
	case []any:
		formatList(sb, len(t), maxArray, func(i int) { format(sb, t[i], maxArray) })
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			format(sb, t[k], maxArray)
		}
		sb.WriteByte('}')
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			formatList(sb, rv.Len(), maxArray, func(i int) { format(sb, rv.Index(i).Interface(), maxArray) })
			return
		}
		fmt.Fprint(sb, v)
	}
}

func formatList(sb *strings.Builder, n, maxArray int, item func(i int)) {
	shown := n
	if maxArray > 0 && n > maxArray {
		shown = maxArray
	}
	sb.WriteByte('[')
	for i := 0; i < shown; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		item(i)
	}
	if shown < n {
		fmt.Fprintf(sb, ", ... %d more", n-shown)
	}
	sb.WriteByte(']')
}
