package cgtext

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes a struct or string-keyed map in the root key[value] form.
// Floats are always written with a decimal point so they decode unscaled.
// Strings containing '[', ']' or ',' cannot be represented.
func Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("cgtext: Marshal of nil %T", v)
		}
		rv = rv.Elem()
	}

	entries, err := entriesOf(rv)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(e.key)
		buf.WriteByte('[')
		if err := encodeValue(&buf, e.val); err != nil {
			return nil, err
		}
		buf.WriteByte(']')
	}
	return buf.Bytes(), nil
}

type encEntry struct {
	key string
	val reflect.Value
}

func entriesOf(rv reflect.Value) ([]encEntry, error) {
	switch rv.Kind() {
	case reflect.Struct:
		t := rv.Type()
		var out []encEntry
		for i := 0; i < t.NumField(); i++ {
			name, ok := fieldName(t.Field(i))
			if !ok || t.Field(i).Type.Kind() == reflect.Interface {
				continue
			}
			out = append(out, encEntry{key: name, val: rv.Field(i)})
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cgtext: map key must be a string, got %s", rv.Type().Key())
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		out := make([]encEntry, len(keys))
		for i, k := range keys {
			out[i] = encEntry{key: k.String(), val: rv.MapIndex(k)}
		}
		return out, nil
	}
	return nil, fmt.Errorf("cgtext: cannot encode %s as a map", rv.Type())
}

func encodeValue(buf *bytes.Buffer, rv reflect.Value) error {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		if strings.ContainsAny(rv.String(), "[],") {
			return fmt.Errorf("cgtext: string %q contains a delimiter", rv.String())
		}
		buf.WriteString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		s := strconv.FormatFloat(rv.Float(), 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		buf.WriteString(s)
	case reflect.Slice, reflect.Array:
		sep := " "
		if elemKind(rv.Type().Elem()) == reflect.String {
			sep = ", "
		}
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				buf.WriteString(sep)
			}
			if err := encodeNested(buf, rv.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct, reflect.Map:
		entries, err := entriesOf(rv)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(e.key)
			buf.WriteString(": ")
			if err := encodeNested(buf, e.val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("cgtext: cannot encode %s", rv.Type())
	}
	return nil
}

// encodeNested brackets lists and maps that appear inside another value.
func encodeNested(buf *bytes.Buffer, rv reflect.Value) error {
	switch elemKind(rv.Type()) {
	case reflect.Slice, reflect.Array, reflect.Struct, reflect.Map:
		buf.WriteByte('[')
		if err := encodeValue(buf, rv); err != nil {
			return err
		}
		buf.WriteByte(']')
		return nil
	}
	return encodeValue(buf, rv)
}

func elemKind(t reflect.Type) reflect.Kind {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind()
}
