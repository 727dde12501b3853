// Package assembler parses TASM source and assembles it into a
// Program container in two passes.
package assembler

import (
	"encoding/binary"
	"strconv"

	"github.com/tinyrange/tasm/internal/isa"
)

type StatementKind int

const (
	StmtLabel StatementKind = iota
	StmtInstruction
	StmtSection
	StmtData
	StmtGlobal
	StmtExtern
)

// Statement is one parsed source statement. Data directives are
// already reduced to their byte image.
type Statement struct {
	Kind    StatementKind
	Label   string
	Inst    isa.Instruction
	Section string
	Data    []byte
	Name    string
	Line    int
	Column  int
}

type parser struct {
	toks []isa.Token
	pos  int
	file string
}

// Parse lexes and parses a complete source file into statements.
func Parse(src, file string) ([]Statement, error) {
	toks, err := isa.NewLexer(src, file).Tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, file: file}
	var stmts []Statement
	for !p.atEOF() {
		if p.peek().Type == isa.TokenNewline {
			p.next()
			continue
		}
		line, err := p.parseLine()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, line...)
	}
	return stmts, nil
}

func (p *parser) atEOF() bool { return p.peek().Type == isa.TokenEOF }

func (p *parser) peek() isa.Token { return p.toks[p.pos] }

func (p *parser) next() isa.Token {
	tok := p.toks[p.pos]
	if tok.Type != isa.TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok isa.Token, format string, args ...any) error {
	return isa.Errorf(p.file, tok.Line, tok.Column, format, args...)
}

func (p *parser) expectEnd() error {
	tok := p.next()
	if tok.Type != isa.TokenNewline && tok.Type != isa.TokenEOF {
		return p.errorf(tok, "unexpected %s at end of statement", tok)
	}
	return nil
}

// parseLine handles one source line, which may hold a label followed
// by an instruction.
func (p *parser) parseLine() ([]Statement, error) {
	tok := p.peek()
	switch tok.Type {
	case isa.TokenKeyword:
		stmt, err := p.parseDirective()
		if err != nil {
			return nil, err
		}
		return []Statement{stmt}, p.expectEnd()
	case isa.TokenIdent:
		if p.toks[p.pos+1].Type == isa.TokenColon {
			p.next()
			p.next()
			label := Statement{Kind: StmtLabel, Label: tok.Value, Line: tok.Line, Column: tok.Column}
			if t := p.peek().Type; t == isa.TokenNewline || t == isa.TokenEOF {
				return []Statement{label}, p.expectEnd()
			}
			rest, err := p.parseLine()
			if err != nil {
				return nil, err
			}
			return append([]Statement{label}, rest...), nil
		}
		stmt, err := p.parseInstruction()
		if err != nil {
			return nil, err
		}
		return []Statement{stmt}, p.expectEnd()
	default:
		return nil, p.errorf(tok, "unexpected %s", tok)
	}
}

func (p *parser) parseDirective() (Statement, error) {
	tok := p.next()
	stmt := Statement{Line: tok.Line, Column: tok.Column}
	switch tok.Value {
	case "section":
		name := p.next()
		if name.Type != isa.TokenIdent {
			return stmt, p.errorf(name, "expected section name, got %s", name)
		}
		stmt.Kind = StmtSection
		stmt.Section = name.Value
		return stmt, nil
	case "global", "extern":
		name := p.next()
		if name.Type != isa.TokenIdent {
			return stmt, p.errorf(name, "expected symbol name, got %s", name)
		}
		if tok.Value == "global" {
			stmt.Kind = StmtGlobal
		} else {
			stmt.Kind = StmtExtern
		}
		stmt.Name = name.Value
		return stmt, nil
	case "db", "dw", "dd", "dq":
		data, err := p.parseDataArgs(tok.Value)
		if err != nil {
			return stmt, err
		}
		stmt.Kind = StmtData
		stmt.Data = data
		return stmt, nil
	case "times":
		count, err := p.parseNumber()
		if err != nil {
			return stmt, err
		}
		if count < 0 {
			return stmt, p.errorf(tok, "negative repeat count %d", count)
		}
		value, err := p.parseNumber()
		if err != nil {
			return stmt, err
		}
		if value < -128 || value > 255 {
			return stmt, p.errorf(tok, "times value %d does not fit in one byte", value)
		}
		data := make([]byte, count)
		for i := range data {
			data[i] = byte(value)
		}
		stmt.Kind = StmtData
		stmt.Data = data
		return stmt, nil
	}
	return stmt, p.errorf(tok, "unexpected keyword %q", tok.Value)
}

func dataWidth(directive string) int {
	switch directive {
	case "dw":
		return 2
	case "dd":
		return 4
	case "dq":
		return 8
	}
	return 1
}

func (p *parser) parseDataArgs(directive string) ([]byte, error) {
	width := dataWidth(directive)
	var out []byte
	for {
		tok := p.peek()
		if tok.Type == isa.TokenString {
			p.next()
			if width != 1 {
				return nil, p.errorf(tok, "string literal is only valid with db")
			}
			out = append(out, tok.Value...)
		} else {
			v, err := p.parseNumber()
			if err != nil {
				return nil, err
			}
			var scratch [8]byte
			binary.LittleEndian.PutUint64(scratch[:], uint64(v))
			out = append(out, scratch[:width]...)
		}
		if p.peek().Type != isa.TokenComma {
			return out, nil
		}
		p.next()
	}
}

func (p *parser) parseNumber() (int64, error) {
	neg := false
	if p.peek().Type == isa.TokenMinus {
		p.next()
		neg = true
	}
	tok := p.next()
	if tok.Type != isa.TokenNumber {
		return 0, p.errorf(tok, "expected number, got %s", tok)
	}
	v, err := strconv.ParseInt(tok.Value, 0, 64)
	if err != nil {
		return 0, p.errorf(tok, "bad number %q", tok.Value)
	}
	if neg {
		v = -v
	}
	return v, nil
}

func (p *parser) parseInstruction() (Statement, error) {
	tok := p.next()
	op, ok := isa.OpcodeByName(tok.Value)
	if !ok {
		return Statement{}, p.errorf(tok, "unknown instruction %q", tok.Value)
	}
	inst := isa.Instruction{Op: op, Line: tok.Line, Column: tok.Column}

	var operands []isa.Operand
	if t := p.peek().Type; t != isa.TokenNewline && t != isa.TokenEOF {
		for {
			o, err := p.parseOperand()
			if err != nil {
				return Statement{}, err
			}
			operands = append(operands, o)
			if p.peek().Type != isa.TokenComma {
				break
			}
			p.next()
		}
	}

	if err := p.checkArity(tok, op, len(operands)); err != nil {
		return Statement{}, err
	}
	if len(operands) > 0 {
		inst.A = operands[0]
	}
	if len(operands) > 1 {
		inst.B = operands[1]
	}
	return Statement{Kind: StmtInstruction, Inst: inst, Line: tok.Line, Column: tok.Column}, nil
}

func (p *parser) checkArity(tok isa.Token, op isa.Opcode, n int) error {
	var want int
	switch op.Class() {
	case isa.ClassNiladic:
		want = 0
	case isa.ClassUnary, isa.ClassJump:
		want = 1
	case isa.ClassSyscall:
		if n > 1 {
			return p.errorf(tok, "%s takes at most one operand, got %d", op, n)
		}
		return nil
	default:
		want = 2
	}
	if n != want {
		return p.errorf(tok, "%s takes %d operands, got %d", op, want, n)
	}
	return nil
}

func (p *parser) parseOperand() (isa.Operand, error) {
	tok := p.peek()
	switch tok.Type {
	case isa.TokenRegister:
		p.next()
		r, _ := isa.RegisterByName(tok.Value)
		return isa.Reg(r), nil
	case isa.TokenNumber, isa.TokenMinus:
		v, err := p.parseNumber()
		if err != nil {
			return isa.Operand{}, err
		}
		return isa.Imm(v), nil
	case isa.TokenIdent:
		p.next()
		return isa.LabelRef(tok.Value), nil
	case isa.TokenLBracket:
		return p.parseMemOperand()
	}
	return isa.Operand{}, p.errorf(tok, "expected operand, got %s", tok)
}

// parseMemOperand parses [base(+index*scale)(+disp)] with the terms in
// any order, or a bare absolute address [disp].
func (p *parser) parseMemOperand() (isa.Operand, error) {
	open := p.next() // '['
	var m isa.MemRef
	for {
		tok := p.peek()
		switch tok.Type {
		case isa.TokenRegister:
			p.next()
			r, _ := isa.RegisterByName(tok.Value)
			if p.peek().Type == isa.TokenStar {
				p.next()
				scale, err := p.parseNumber()
				if err != nil {
					return isa.Operand{}, err
				}
				if err := p.setIndex(open, &m, r, int(scale)); err != nil {
					return isa.Operand{}, err
				}
			} else if !m.HasBase {
				m.Base = r
				m.HasBase = true
			} else if err := p.setIndex(open, &m, r, 1); err != nil {
				return isa.Operand{}, err
			}
		case isa.TokenNumber, isa.TokenMinus:
			v, err := p.parseNumber()
			if err != nil {
				return isa.Operand{}, err
			}
			m.Disp += v
		default:
			return isa.Operand{}, p.errorf(tok, "expected memory operand term, got %s", tok)
		}
		sep := p.peek()
		switch sep.Type {
		case isa.TokenRBracket:
			p.next()
			return isa.Mem(m), nil
		case isa.TokenPlus:
			p.next()
		case isa.TokenMinus:
			// left for the next term, which parses it as a sign
		default:
			return isa.Operand{}, p.errorf(sep, "expected '+' or ']', got %s", sep)
		}
	}
}

func (p *parser) setIndex(open isa.Token, m *isa.MemRef, r isa.Register, scale int) error {
	if m.HasIndex {
		return p.errorf(open, "memory operand has two index registers")
	}
	switch scale {
	case 1, 2, 4, 8:
	default:
		return p.errorf(open, "scale must be 1, 2, 4, or 8, got %d", scale)
	}
	m.Index = r
	m.HasIndex = true
	m.Scale = scale
	return nil
}
