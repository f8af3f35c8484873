package cgtext

import (
	"fmt"
	"reflect"
	"sync"
)

// ShapeKind tells the parser how to read a value.
type ShapeKind int

const (
	ShapeIgnore ShapeKind = iota
	ShapeString
	ShapeNumber
	ShapeList
	ShapeMap
)

// Shape describes the structure the parser expects at one position. The
// grammar is ambiguous without it: "1 2 3" is a list for a slice field and a
// string for a string field.
type Shape struct {
	Kind   ShapeKind
	Fields map[string]*Shape // ShapeMap with named keys
	Any    *Shape            // ShapeMap with arbitrary keys, or nil
	Elem   *Shape            // ShapeList
}

var (
	ignoreShape = &Shape{Kind: ShapeIgnore}
	shapeCache  sync.Map // reflect.Type -> *Shape
)

// field returns the shape of key, or the ignore shape.
func (s *Shape) field(key string) *Shape {
	if s == nil {
		return ignoreShape
	}
	if f, ok := s.Fields[key]; ok {
		return f
	}
	if s.Any != nil {
		return s.Any
	}
	return ignoreShape
}

// ShapeOf derives the shape of a Go type. Struct fields are named by their
// `cgtext` tag, or by the field name when untagged; a tag of "-" skips it.
func ShapeOf(t reflect.Type) (*Shape, error) {
	if s, ok := shapeCache.Load(t); ok {
		return s.(*Shape), nil
	}
	s, err := shapeOf(t, 0)
	if err != nil {
		return nil, err
	}
	shapeCache.Store(t, s)
	return s, nil
}

func shapeOf(t reflect.Type, depth int) (*Shape, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("cgtext: type %s nests too deeply", t)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &Shape{Kind: ShapeString}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return &Shape{Kind: ShapeNumber}, nil
	case reflect.Slice, reflect.Array:
		elem, err := shapeOf(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		return &Shape{Kind: ShapeList, Elem: elem}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cgtext: map key must be a string, got %s", t.Key())
		}
		elem, err := shapeOf(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		return &Shape{Kind: ShapeMap, Any: elem}, nil
	case reflect.Struct:
		s := &Shape{Kind: ShapeMap, Fields: make(map[string]*Shape)}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, ok := fieldName(f)
			if !ok {
				continue
			}
			fs, err := shapeOf(f.Type, depth+1)
			if err != nil {
				return nil, err
			}
			s.Fields[name] = fs
		}
		return s, nil
	case reflect.Interface:
		return ignoreShape, nil
	}
	return nil, fmt.Errorf("cgtext: unsupported type %s", t)
}

func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("cgtext")
	switch tag {
	case "-":
		return "", false
	case "":
		return f.Name, true
	}
	return tag, true
}
