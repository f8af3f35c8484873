package cgtext

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrEOF                = errors.New("unexpected end of input")
	ErrInvalidNumber      = errors.New("invalid number")
	ErrNumberOverflow     = errors.New("number overflows 64 bits")
	ErrExpectedIdentifier = errors.New("expected identifier")
	ErrExpectedBracket    = errors.New("expected '['")
	ErrExpectedMapEnd     = errors.New("expected ']'")
	ErrExpectedColon      = errors.New("expected ':'")
	ErrExpectedSpace      = errors.New("expected ' '")
	ErrTrailingCharacters = errors.New("trailing characters")
	ErrTooDeep            = errors.New("nesting too deep")
)

// SyntaxError is a decoding failure at a byte offset of the input.
type SyntaxError struct {
	Err    error
	Offset int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("cgtext: %v at offset %d", e.Err, e.Offset)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// TypeError reports a value that cannot be stored in the target field.
type TypeError struct {
	Field string
	Value Kind
	Type  reflect.Type
	Err   error
}

func (e *TypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cgtext: cannot store %s into field %s of type %s: %v", e.Value, e.Field, e.Type, e.Err)
	}
	return fmt.Sprintf("cgtext: cannot store %s into field %s of type %s", e.Value, e.Field, e.Type)
}

func (e *TypeError) Unwrap() error {
	return e.Err
}
