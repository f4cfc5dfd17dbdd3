// Package fhirpath implements the FHIRPath expression engine: a
// lexer/parser/analyzer/codegen pipeline producing a bytecode Plan, and the
// stack-based VM that executes it (§4.2).
package fhirpath

import "fmt"

type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdentifier
	TokDelimitedIdentifier // `backtick quoted`
	TokString
	TokNumber
	TokDateTime
	TokTime
	TokExternalConstant // %name
	TokDollar           // $this, $index, $total

	// Punctuation / operators.
	TokDot
	TokLParen
	TokRParen
	TokLBracket
	TokRBracket
	TokLBrace
	TokRBrace
	TokComma
	TokPlus
	TokMinus
	TokStar
	TokSlash
	TokDiv
	TokMod
	TokAmp
	TokPipe
	TokEq
	TokNeq
	TokEquiv
	TokNequiv
	TokLt
	TokLte
	TokGt
	TokGte

	// Keywords.
	TokAnd
	TokOr
	TokXor
	TokImplies
	TokNot
	TokIs
	TokAs
	TokIn
	TokContains
	TokTrue
	TokFalse
	TokNullLiteral // {}
)

type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) String() string {
	return fmt.Sprintf("%v(%q)@%d", t.Kind, t.Text, t.Pos)
}

var keywords = map[string]TokenKind{
	"and":      TokAnd,
	"or":       TokOr,
	"xor":      TokXor,
	"implies":  TokImplies,
	"not":      TokNot, // also a function name; parsed contextually
	"is":       TokIs,
	"as":       TokAs,
	"in":       TokIn,
	"contains": TokContains,
	"true":     TokTrue,
	"false":    TokFalse,
	"div":      TokDiv,
	"mod":      TokMod,
}
