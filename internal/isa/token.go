package isa

import "fmt"

type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNewline

	TokenIdent
	TokenNumber
	TokenString
	TokenRegister
	TokenKeyword

	TokenColon
	TokenComma
	TokenLBracket
	TokenRBracket
	TokenPlus
	TokenMinus
	TokenStar
)

var tokenTypeNames = map[TokenType]string{
	TokenEOF:      "eof",
	TokenNewline:  "newline",
	TokenIdent:    "identifier",
	TokenNumber:   "number",
	TokenString:   "string",
	TokenRegister: "register",
	TokenKeyword:  "keyword",
	TokenColon:    "':'",
	TokenComma:    "','",
	TokenLBracket: "'['",
	TokenRBracket: "']'",
	TokenPlus:     "'+'",
	TokenMinus:    "'-'",
	TokenStar:     "'*'",
}

func (t TokenType) String() string {
	if name, ok := tokenTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token is a single lexeme with its 1-based source position. Value
// holds the lowercased text for identifiers, keywords, and registers,
// the decoded content for strings, and the literal text for numbers.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Value == "" {
		return t.Type.String()
	}
	return fmt.Sprintf("%s %q", t.Type, t.Value)
}
