package executor

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// A reference expression appears inside {{ }} in step parameters:
//
//	ref     := root accessor*
//	root    := "last_step_result" | "step" "[" int "]"
//	accessor:= "." ident | "[" int "]"
//	ternary := ref "==" quoted "?" quoted ":" quoted
//
// step[N] is zero-based.

// Segment is one accessor in a reference path.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Ref is a parsed reference to a previous step's output.
type Ref struct {
	// Last selects the most recent executed predecessor.
	Last bool
	// Step is the zero-based step index when Last is false.
	Step     int
	Segments []Segment
}

// Ternary picks Then when the referenced value equals Equals, otherwise Else.
type Ternary struct {
	Equals string
	Then   string
	Else   string
}

// Expr is a parsed {{ }} expression.
type Expr struct {
	Ref     Ref
	Ternary *Ternary
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokDot
	tokLBracket
	tokRBracket
	tokEq
	tokQuestion
	tokColon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '?':
			toks = append(toks, token{tokQuestion, "?", i})
			i++
		case c == ':':
			toks = append(toks, token{tokColon, ":", i})
			i++
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("offset %d: expected ==", i)
			}
			toks = append(toks, token{tokEq, "==", i})
			i += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], src[i])
			if end < 0 {
				return nil, fmt.Errorf("offset %d: unterminated string", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			toks = append(toks, token{tokInt, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) {
				r, n := utf8.DecodeRuneInString(src[i:])
				if !isIdentStart(r) && r != '-' && !unicode.IsDigit(r) {
					break
				}
				i += n
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("offset %d: unexpected %q", i, c)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// isIdentStart accepts letters of any script so keys such as café resolve.
func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("offset %d: expected %s", t.pos, what)
	}
	return t, nil
}

// ParseExpr parses the text between {{ and }}.
func ParseExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return Expr{}, err
	}
	p := &parser{toks: toks}

	ref, err := p.ref()
	if err != nil {
		return Expr{}, err
	}
	expr := Expr{Ref: ref}

	if p.peek().kind == tokEq {
		p.next()
		t, err := p.ternary()
		if err != nil {
			return Expr{}, err
		}
		expr.Ternary = t
	}

	if t := p.peek(); t.kind != tokEOF {
		return Expr{}, fmt.Errorf("offset %d: unexpected %q", t.pos, t.text)
	}
	return expr, nil
}

func (p *parser) ref() (Ref, error) {
	root, err := p.expect(tokIdent, "reference root")
	if err != nil {
		return Ref{}, err
	}

	var ref Ref
	switch root.text {
	case "last_step_result":
		ref.Last = true
	case "step":
		idx, err := p.index()
		if err != nil {
			return Ref{}, err
		}
		ref.Step = idx
	default:
		return Ref{}, fmt.Errorf("offset %d: unknown root %q", root.pos, root.text)
	}

	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			key, err := p.expect(tokIdent, "field name")
			if err != nil {
				return Ref{}, err
			}
			ref.Segments = append(ref.Segments, Segment{Key: key.text})
		case tokLBracket:
			idx, err := p.index()
			if err != nil {
				return Ref{}, err
			}
			ref.Segments = append(ref.Segments, Segment{Index: idx, IsIndex: true})
		default:
			return ref, nil
		}
	}
}

func (p *parser) index() (int, error) {
	if _, err := p.expect(tokLBracket, "["); err != nil {
		return 0, err
	}
	t, err := p.expect(tokInt, "index")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, fmt.Errorf("offset %d: bad index: %w", t.pos, err)
	}
	if _, err := p.expect(tokRBracket, "]"); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *parser) ternary() (*Ternary, error) {
	eq, err := p.expect(tokString, "quoted value")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokQuestion, "?"); err != nil {
		return nil, err
	}
	then, err := p.expect(tokString, "quoted value")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, ":"); err != nil {
		return nil, err
	}
	els, err := p.expect(tokString, "quoted value")
	if err != nil {
		return nil, err
	}
	return &Ternary{Equals: eq.text, Then: then.text, Else: els.text}, nil
}
