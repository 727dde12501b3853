package isa

import "fmt"

// CompileError is a source-position-carrying diagnostic. Line and
// Column are 1-based; zero values mean the position is unknown.
type CompileError struct {
	Message string
	File    string
	Line    int
	Column  int
}

func (e *CompileError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
	default:
		return e.Message
	}
}

// Errorf builds a CompileError at the given position.
func Errorf(file string, line, column int, format string, args ...any) *CompileError {
	return &CompileError{
		Message: fmt.Sprintf(format, args...),
		File:    file,
		Line:    line,
		Column:  column,
	}
}
