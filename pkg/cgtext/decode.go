// Package cgtext decodes the bracketed "cgminer text" format some miners
// embed in their socket API responses, e.g.
//
//	Ver[1246-83] Temp[31] FanR[63%] MGHS[26629.16 26639.15] SYSTEMSTATU[Work: In Work, Hash Board: 3 ]
//
// The root is a space separated list of key[value] pairs. A value is a
// scalar, a space separated list, or an inline map of key:value entries.
// Which of the three applies depends on the destination type, so decoding
// is driven by a Shape derived from the target struct.
package cgtext

import (
	"fmt"
	"math"
	"reflect"
)

const maxDepth = 32

// Unmarshal decodes data into the struct or map pointed to by v.
func Unmarshal(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cgtext: Unmarshal requires a non-nil pointer, got %T", v)
	}

	shape, err := ShapeOf(rv.Elem().Type())
	if err != nil {
		return err
	}
	if shape.Kind != ShapeMap {
		return fmt.Errorf("cgtext: cannot decode root into %s", rv.Elem().Type())
	}

	val, err := Parse(data, shape)
	if err != nil {
		return err
	}
	return assign(val, rv.Elem(), "")
}

// Parse decodes data as a root map. Keys absent from shape are skipped.
func Parse(data []byte, shape *Shape) (Value, error) {
	p := &parser{data: data}
	v, err := p.parseRoot(shape)
	if err != nil {
		return Value{}, err
	}
	if p.pos < len(p.data) {
		return Value{}, p.fail(ErrTrailingCharacters)
	}
	return v, nil
}

type parser struct {
	data  []byte
	pos   int
	depth int
}

func (p *parser) fail(err error) *SyntaxError {
	return &SyntaxError{Err: err, Offset: p.pos}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.data)
}

func (p *parser) peek() (byte, bool) {
	if p.eof() {
		return 0, false
	}
	return p.data[p.pos], true
}

func (p *parser) peek2() (byte, bool) {
	if p.pos+1 >= len(p.data) {
		return 0, false
	}
	return p.data[p.pos+1], true
}

// accept consumes c if it is next.
func (p *parser) accept(c byte) bool {
	if b, ok := p.peek(); ok && b == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(c byte, err error) error {
	b, ok := p.peek()
	if !ok {
		return p.fail(ErrEOF)
	}
	if b != c {
		return p.fail(err)
	}
	p.pos++
	return nil
}

// atClose reports whether the next input is "]" or " ]".
func (p *parser) atClose() bool {
	c, ok := p.peek()
	if !ok {
		return false
	}
	if c == ']' {
		return true
	}
	c2, ok := p.peek2()
	return c == ' ' && ok && c2 == ']'
}

// onlyWhitespaceLeft reports whether the rest of the input is blank.
func (p *parser) onlyWhitespaceLeft() bool {
	for _, c := range p.data[p.pos:] {
		if c != ' ' && c != '\r' && c != '\n' && c != '\t' {
			return false
		}
	}
	return true
}

// parseRoot reads key[value] pairs separated by single spaces until EOF.
func (p *parser) parseRoot(shape *Shape) (Value, error) {
	root := Value{Kind: KindMap}

	for first := true; !p.eof(); first = false {
		if !first {
			if err := p.expect(' ', ErrExpectedSpace); err != nil {
				return Value{}, err
			}
		}
		if p.onlyWhitespaceLeft() {
			p.pos = len(p.data)
			break
		}

		key, err := p.parseIdentifier()
		if err != nil {
			return Value{}, err
		}
		if err := p.expect('[', ErrExpectedBracket); err != nil {
			return Value{}, err
		}

		fs := shape.field(key)
		if fs.Kind == ShapeIgnore {
			if err := p.skipBracketed(); err != nil {
				return Value{}, err
			}
			continue
		}

		p.depth = 1
		val, err := p.parseValue(fs)
		if err != nil {
			return Value{}, err
		}
		p.accept(' ')
		if err := p.expect(']', ErrExpectedMapEnd); err != nil {
			return Value{}, err
		}
		p.depth = 0

		root.Map = append(root.Map, Entry{Key: key, Value: val})
	}

	return root, nil
}

// parseValue reads a value whose opening bracket has been consumed.
func (p *parser) parseValue(s *Shape) (Value, error) {
	switch s.Kind {
	case ShapeNumber:
		return p.parseNumber()
	case ShapeList:
		return p.parseList(s.Elem)
	case ShapeMap:
		return p.parseChildMap(s)
	default:
		return Value{Kind: KindString, Str: p.parseStr()}, nil
	}
}

// parseNested reads a bracketed list or map inside a child map or list.
func (p *parser) parseNested(s *Shape) (Value, error) {
	if s.Kind != ShapeList && s.Kind != ShapeMap {
		return p.parseValue(s)
	}

	p.depth++
	if p.depth > maxDepth {
		return Value{}, p.fail(ErrTooDeep)
	}
	if err := p.expect('[', ErrExpectedBracket); err != nil {
		return Value{}, err
	}
	v, err := p.parseValue(s)
	if err != nil {
		return Value{}, err
	}
	p.accept(' ')
	if err := p.expect(']', ErrExpectedMapEnd); err != nil {
		return Value{}, err
	}
	p.depth--
	return v, nil
}

// parseChildMap reads "k: v, k2: v2" entries. Entries are separated by an
// optional comma and a mandatory space.
func (p *parser) parseChildMap(s *Shape) (Value, error) {
	m := Value{Kind: KindMap}

	for first := true; !p.atClose(); first = false {
		if p.eof() {
			return Value{}, p.fail(ErrEOF)
		}
		if !first {
			p.accept(',')
			if err := p.expect(' ', ErrExpectedSpace); err != nil {
				return Value{}, err
			}
		}

		key, err := p.parseIdentifier()
		if err != nil {
			return Value{}, err
		}
		if err := p.expect(':', ErrExpectedColon); err != nil {
			return Value{}, err
		}
		p.accept(' ')

		fs := s.field(key)
		val, err := p.parseNested(fs)
		if err != nil {
			return Value{}, err
		}
		if fs.Kind != ShapeIgnore {
			m.Map = append(m.Map, Entry{Key: key, Value: val})
		}
	}

	return m, nil
}

// parseList reads space separated elements; a comma before the separating
// space is tolerated, as is one extra space.
func (p *parser) parseList(elem *Shape) (Value, error) {
	l := Value{Kind: KindList}

	for first := true; !p.atClose(); first = false {
		if p.eof() {
			return Value{}, p.fail(ErrEOF)
		}
		if !first {
			p.accept(',')
			if err := p.expect(' ', ErrExpectedSpace); err != nil {
				return Value{}, err
			}
		}
		p.accept(' ')

		val, err := p.parseNested(elem)
		if err != nil {
			return Value{}, err
		}
		l.List = append(l.List, val)
	}

	return l, nil
}

// parseIdentifier reads a key up to '[', ':', ']' or ','. Keys may contain
// spaces ("Nonce Mask").
func (p *parser) parseIdentifier() (string, error) {
	start := p.pos
scan:
	for !p.eof() {
		switch p.data[p.pos] {
		case '[', ':', ']', ',':
			break scan
		}
		p.pos++
	}
	if p.pos == start {
		return "", p.fail(ErrExpectedIdentifier)
	}
	return string(p.data[start:p.pos]), nil
}

// parseStr reads a string up to '[', ']' or ','. A single space directly
// before ']' is left for the caller and not included.
func (p *parser) parseStr() string {
	start := p.pos
	for !p.eof() {
		switch p.data[p.pos] {
		case '[', ']', ',':
			return string(p.data[start:p.pos])
		case ' ':
			if c, ok := p.peek2(); ok && c == ']' {
				return string(p.data[start:p.pos])
			}
		}
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// skipBracketed discards an ignored root value through its matching ']'.
// Commas and nested brackets inside it are tolerated.
func (p *parser) skipBracketed() error {
	for depth := 1; ; {
		c, ok := p.peek()
		if !ok {
			return p.fail(ErrEOF)
		}
		p.pos++
		switch c {
		case '[':
			depth++
			if depth > maxDepth {
				return p.fail(ErrTooDeep)
			}
		case ']':
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// parseNumber reads [-]digits[.digits][%]. A trailing '%' divides by 100.
func (p *parser) parseNumber() (Value, error) {
	neg := p.accept('-')

	c, ok := p.peek()
	if !ok {
		return Value{}, p.fail(ErrEOF)
	}
	if !isDigit(c) {
		return Value{}, p.fail(ErrInvalidNumber)
	}

	sig, err := p.digits(0)
	if err != nil {
		return Value{}, err
	}

	if p.accept('.') {
		start := p.pos
		sig, err = p.digits(sig)
		if err != nil {
			return Value{}, err
		}
		exp := start - p.pos
		if exp == 0 {
			if p.eof() {
				return Value{}, p.fail(ErrEOF)
			}
			return Value{}, p.fail(ErrInvalidNumber)
		}
		if p.accept('%') {
			exp -= 2
		}
		f := float64(sig) / math.Pow10(-exp)
		if neg {
			f = -f
		}
		return Value{Kind: KindFloat, Float: f}, nil
	}

	if p.accept('%') {
		f := float64(sig) / 100
		if neg {
			f = -f
		}
		return Value{Kind: KindFloat, Float: f}, nil
	}

	if neg {
		switch {
		case sig > 1<<63:
			return Value{}, p.fail(ErrNumberOverflow)
		case sig == 1<<63:
			return Value{Kind: KindInt, Int: math.MinInt64}, nil
		}
		return Value{Kind: KindInt, Int: -int64(sig)}, nil
	}
	return Value{Kind: KindUint, Uint: sig}, nil
}

// digits accumulates decimal digits onto sig.
func (p *parser) digits(sig uint64) (uint64, error) {
	for !p.eof() && isDigit(p.data[p.pos]) {
		d := uint64(p.data[p.pos] - '0')
		if sig > (math.MaxUint64-d)/10 {
			return 0, p.fail(ErrNumberOverflow)
		}
		sig = sig*10 + d
		p.pos++
	}
	return sig, nil
}
