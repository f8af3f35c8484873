package cgtext

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type of a decoded Value.
type Kind int

const (
	KindUint Kind = iota
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the intermediate representation produced by Parse.
type Value struct {
	Kind  Kind
	Uint  uint64
	Int   int64
	Float float64
	Str   string
	List  []Value
	Map   []Entry // in input order; keys may repeat
}

// Entry is one key of a map Value.
type Entry struct {
	Key   string
	Value Value
}

// Get returns the last value stored under key.
func (v Value) Get(key string) (Value, bool) {
	for i := len(v.Map) - 1; i >= 0; i-- {
		if v.Map[i].Key == key {
			return v.Map[i].Value, true
		}
	}
	return Value{}, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	case KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindMap:
		parts := make([]string, len(v.Map))
		for i, e := range v.Map {
			parts[i] = fmt.Sprintf("%s:%s", e.Key, e.Value)
		}
		return "{" + strings.Join(parts, " ") + "}"
	}
	return "<invalid>"
}
