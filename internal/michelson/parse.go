package michelson

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokSemi
	tokInt
	tokString
	tokBytes
	tokIdent
	tokAnnot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// Parse reads Michelson text such as `Pair (Pair 10 0x01) "tz1..."` or
// `{ Elt "a" 1 ; Elt "b" 2 }` into a Node.
func Parse(text string) (Node, error) {
	toks, err := lex(text)
	if err != nil {
		return Node{}, err
	}
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return Node{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Node{}, fmt.Errorf("michelson: unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

// ParseAny accepts either Micheline JSON or Michelson text. Indexers return
// one or the other depending on the field.
func ParseAny(text string) (Node, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, `{"`) {
		var n Node
		if err := json.Unmarshal([]byte(trimmed), &n); err == nil {
			return n, nil
		}
	}
	return Parse(trimmed)
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

// expr parses a primitive application or a single term.
func (p *parser) expr() (Node, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return p.term()
	}
	p.next()
	n := Node{Kind: KindPrim, Prim: t.text}
	for {
		switch p.peek().kind {
		case tokAnnot:
			n.Annots = append(n.Annots, p.next().text)
		case tokInt, tokString, tokBytes, tokIdent, tokLParen, tokLBrace:
			arg, err := p.term()
			if err != nil {
				return Node{}, err
			}
			n.Args = append(n.Args, arg)
		default:
			return n, nil
		}
	}
}

func (p *parser) term() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		v, ok := new(big.Int).SetString(t.text, 10)
		if !ok {
			return Node{}, fmt.Errorf("michelson: invalid int %q at %d", t.text, t.pos)
		}
		return Node{Kind: KindInt, Int: v}, nil
	case tokString:
		return String(t.text), nil
	case tokBytes:
		b, err := hex.DecodeString(t.text)
		if err != nil {
			return Node{}, fmt.Errorf("michelson: invalid bytes at %d: %w", t.pos, err)
		}
		return Node{Kind: KindBytes, Bytes: b}, nil
	case tokIdent:
		return Node{Kind: KindPrim, Prim: t.text}, nil
	case tokLParen:
		n, err := p.expr()
		if err != nil {
			return Node{}, err
		}
		if c := p.next(); c.kind != tokRParen {
			return Node{}, fmt.Errorf("michelson: expected ) at %d", c.pos)
		}
		return n, nil
	case tokLBrace:
		return p.seq()
	case tokEOF:
		return Node{}, fmt.Errorf("michelson: unexpected end of input")
	default:
		return Node{}, fmt.Errorf("michelson: unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) seq() (Node, error) {
	items := []Node{}
	for {
		if p.peek().kind == tokRBrace {
			p.next()
			return Seq(items...), nil
		}
		item, err := p.expr()
		if err != nil {
			return Node{}, err
		}
		items = append(items, item)
		switch t := p.next(); t.kind {
		case tokSemi:
		case tokRBrace:
			return Seq(items...), nil
		default:
			return Node{}, fmt.Errorf("michelson: expected ; or } at %d", t.pos)
		}
	}
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", i})
			i++
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", i})
			i++
		case c == ';':
			toks = append(toks, token{tokSemi, ";", i})
			i++
		case c == '"':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("michelson: %w at %d", err, i)
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case c == '0' && i+1 < len(src) && src[i+1] == 'x':
			j := i + 2
			for j < len(src) && isHex(src[j]) {
				j++
			}
			toks = append(toks, token{tokBytes, src[i+2 : j], i})
			i = j
		case c == '-' || isDigit(c):
			j := i + 1
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			if c == '-' && j == i+1 {
				return nil, fmt.Errorf("michelson: dangling - at %d", i)
			}
			toks = append(toks, token{tokInt, src[i:j], i})
			i = j
		case c == '%' || c == '@' || c == ':':
			j := i + 1
			for j < len(src) && isIdent(src[j]) {
				j++
			}
			toks = append(toks, token{tokAnnot, src[i:j], i})
			i = j
		case isIdent(c):
			j := i + 1
			for j < len(src) && isIdent(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("michelson: unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexString(src string) (string, int, error) {
	var sb strings.Builder
	for i := 1; i < len(src); i++ {
		c := src[i]
		switch c {
		case '"':
			return sb.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(src) {
				return "", 0, fmt.Errorf("unterminated escape")
			}
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'b':
				sb.WriteByte('\b')
			case '"', '\\':
				sb.WriteByte(src[i])
			default:
				return "", 0, fmt.Errorf("invalid escape \\%c", src[i])
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdent(c byte) bool {
	return c == '_' || c == '.' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
