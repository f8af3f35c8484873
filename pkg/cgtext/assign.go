package cgtext

import (
	"errors"
	"math"
	"reflect"
)

var errFloatIntoInt = errors.New("fractional value for integer field")

// assign stores v into dst. Bare integers stored into float fields are
// fixed-point values with two implied decimals and are divided by 100.
func assign(v Value, dst reflect.Value, field string) error {
	if dst.Kind() == reflect.Pointer {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(v, dst.Elem(), field)
	}

	mismatch := func(err error) error {
		return &TypeError{Field: field, Value: v.Kind, Type: dst.Type(), Err: err}
	}

	switch dst.Kind() {
	case reflect.String:
		if v.Kind != KindString {
			return mismatch(nil)
		}
		dst.SetString(v.Str)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch v.Kind {
		case KindInt:
			n = v.Int
		case KindUint:
			if v.Uint > math.MaxInt64 {
				return mismatch(ErrNumberOverflow)
			}
			n = int64(v.Uint)
		case KindFloat:
			return mismatch(errFloatIntoInt)
		default:
			return mismatch(nil)
		}
		if dst.OverflowInt(n) {
			return mismatch(ErrNumberOverflow)
		}
		dst.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch v.Kind {
		case KindUint:
			if dst.OverflowUint(v.Uint) {
				return mismatch(ErrNumberOverflow)
			}
			dst.SetUint(v.Uint)
		case KindInt:
			return mismatch(ErrInvalidNumber)
		case KindFloat:
			return mismatch(errFloatIntoInt)
		default:
			return mismatch(nil)
		}

	case reflect.Float32, reflect.Float64:
		var f float64
		switch v.Kind {
		case KindFloat:
			f = v.Float
		case KindUint:
			f = float64(v.Uint) / 100
		case KindInt:
			f = float64(v.Int) / 100
		default:
			return mismatch(nil)
		}
		dst.SetFloat(f)

	case reflect.Slice:
		if v.Kind != KindList {
			return mismatch(nil)
		}
		s := reflect.MakeSlice(dst.Type(), len(v.List), len(v.List))
		for i, e := range v.List {
			if err := assign(e, s.Index(i), field); err != nil {
				return err
			}
		}
		dst.Set(s)

	case reflect.Array:
		if v.Kind != KindList {
			return mismatch(nil)
		}
		for i := 0; i < dst.Len() && i < len(v.List); i++ {
			if err := assign(v.List[i], dst.Index(i), field); err != nil {
				return err
			}
		}

	case reflect.Map:
		if v.Kind != KindMap {
			return mismatch(nil)
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		for _, e := range v.Map {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(e.Value, elem, e.Key); err != nil {
				return err
			}
			dst.SetMapIndex(reflect.ValueOf(e.Key).Convert(dst.Type().Key()), elem)
		}

	case reflect.Struct:
		if v.Kind != KindMap {
			return mismatch(nil)
		}
		fields := structFields(dst.Type())
		for _, e := range v.Map {
			idx, ok := fields[e.Key]
			if !ok {
				continue
			}
			if err := assign(e.Value, dst.Field(idx), e.Key); err != nil {
				return err
			}
		}

	default:
		return mismatch(nil)
	}
	return nil
}

func structFields(t reflect.Type) map[string]int {
	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name, ok := fieldName(t.Field(i)); ok {
			fields[name] = i
		}
	}
	return fields
}
