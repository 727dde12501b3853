package isa

import (
	"strconv"
	"strings"
)

var keywords = map[string]bool{
	"section": true,
	"global":  true,
	"extern":  true,
	"db":      true,
	"dw":      true,
	"dd":      true,
	"dq":      true,
	"times":   true,
}

// Lexer splits TASM source into tokens. Line comments start with ';'
// and block comments use '/* */'. Newlines are significant and are
// reported as TokenNewline so the parser can delimit statements.
type Lexer struct {
	src  string
	file string
	pos  int
	line int
	col  int
}

func NewLexer(src, file string) *Lexer {
	return &Lexer{src: src, file: file, line: 1, col: 1}
}

func (l *Lexer) errorf(line, col int, format string, args ...any) *CompileError {
	return Errorf(l.file, line, col, format, args...)
}

func (l *Lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *Lexer) skipBlanks() error {
	for l.pos < len(l.src) {
		c := l.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			l.advance()
		case c == ';':
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			line, col := l.line, l.col
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.src) {
					return l.errorf(line, col, "unterminated block comment")
				}
				if l.peek() == '*' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Next returns the next token, or TokenEOF at end of input.
func (l *Lexer) Next() (Token, error) {
	if err := l.skipBlanks(); err != nil {
		return Token{}, err
	}
	line, col := l.line, l.col
	if l.pos >= len(l.src) {
		return Token{Type: TokenEOF, Line: line, Column: col}, nil
	}

	c := l.peek()
	switch {
	case c == '\n':
		l.advance()
		return Token{Type: TokenNewline, Line: line, Column: col}, nil
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.peek()) {
			l.advance()
		}
		text := strings.ToLower(l.src[start:l.pos])
		tok := Token{Type: TokenIdent, Value: text, Line: line, Column: col}
		if keywords[text] {
			tok.Type = TokenKeyword
		} else if _, ok := registerNames[text]; ok {
			tok.Type = TokenRegister
		}
		return tok, nil
	case isDigit(c):
		return l.lexNumber(line, col)
	case c == '"':
		return l.lexString(line, col)
	case c == '\'':
		return l.lexChar(line, col)
	}

	l.advance()
	punct := map[byte]TokenType{
		':': TokenColon, ',': TokenComma,
		'[': TokenLBracket, ']': TokenRBracket,
		'+': TokenPlus, '-': TokenMinus, '*': TokenStar,
	}
	if t, ok := punct[c]; ok {
		return Token{Type: t, Value: string(c), Line: line, Column: col}, nil
	}
	return Token{}, l.errorf(line, col, "unexpected character %q", c)
}

func (l *Lexer) lexNumber(line, col int) (Token, error) {
	start := l.pos
	if l.peek() == '0' && l.pos+1 < len(l.src) {
		switch l.src[l.pos+1] {
		case 'x', 'X':
			l.advance()
			l.advance()
			digits := 0
			for l.pos < len(l.src) && isHexDigit(l.peek()) {
				l.advance()
				digits++
			}
			if digits == 0 {
				return Token{}, l.errorf(line, col, "malformed hex literal")
			}
			return Token{Type: TokenNumber, Value: l.src[start:l.pos], Line: line, Column: col}, nil
		case 'b', 'B':
			l.advance()
			l.advance()
			digits := 0
			for l.pos < len(l.src) && (l.peek() == '0' || l.peek() == '1') {
				l.advance()
				digits++
			}
			if digits == 0 {
				return Token{}, l.errorf(line, col, "malformed binary literal")
			}
			return Token{Type: TokenNumber, Value: l.src[start:l.pos], Line: line, Column: col}, nil
		}
	}
	for l.pos < len(l.src) && isDigit(l.peek()) {
		l.advance()
	}
	return Token{Type: TokenNumber, Value: l.src[start:l.pos], Line: line, Column: col}, nil
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (l *Lexer) lexString(line, col int) (Token, error) {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) || l.peek() == '\n' {
			return Token{}, l.errorf(line, col, "unterminated string literal")
		}
		c := l.advance()
		if c == '"' {
			return Token{Type: TokenString, Value: sb.String(), Line: line, Column: col}, nil
		}
		if c == '\\' {
			if l.pos >= len(l.src) {
				return Token{}, l.errorf(line, col, "unterminated string literal")
			}
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			default:
				return Token{}, l.errorf(line, col, "unknown escape sequence \\%c", esc)
			}
			continue
		}
		sb.WriteByte(c)
	}
}

func (l *Lexer) lexChar(line, col int) (Token, error) {
	l.advance() // opening quote
	if l.pos >= len(l.src) {
		return Token{}, l.errorf(line, col, "unterminated character literal")
	}
	c := l.advance()
	if c == '\\' {
		if l.pos >= len(l.src) {
			return Token{}, l.errorf(line, col, "unterminated character literal")
		}
		switch esc := l.advance(); esc {
		case 'n':
			c = '\n'
		case 'r':
			c = '\r'
		case 't':
			c = '\t'
		case '\\':
			c = '\\'
		case '\'':
			c = '\''
		default:
			return Token{}, l.errorf(line, col, "unknown escape sequence \\%c", esc)
		}
	}
	if l.pos >= len(l.src) || l.advance() != '\'' {
		return Token{}, l.errorf(line, col, "unterminated character literal")
	}
	return Token{Type: TokenNumber, Value: strconv.Itoa(int(c)), Line: line, Column: col}, nil
}

// Tokens lexes the whole input, including the trailing EOF token.
func (l *Lexer) Tokens() ([]Token, error) {
	var toks []Token
	for {
		tok, err := l.Next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			return toks, nil
		}
	}
}
