// Package michelson models Tezos contract data as a tagged tree and converts it
// between Micheline JSON, Michelson text and the packed binary form used for
// big-map keys.
package michelson

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Kind tags the variant held by a Node.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindBytes
	KindPrim
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindPrim:
		return "prim"
	case KindSeq:
		return "seq"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one Micheline value. Only the fields matching Kind are set.
type Node struct {
	Kind   Kind
	Int    *big.Int
	Str    string
	Bytes  []byte
	Prim   string
	Args   []Node
	Annots []string
}

func Int(v *big.Int) Node { return Node{Kind: KindInt, Int: new(big.Int).Set(v)} }

func Int64(v int64) Node { return Node{Kind: KindInt, Int: big.NewInt(v)} }

func String(s string) Node { return Node{Kind: KindString, Str: s} }

func Bytes(b []byte) Node { return Node{Kind: KindBytes, Bytes: append([]byte(nil), b...)} }

func Prim(name string, args ...Node) Node { return Node{Kind: KindPrim, Prim: name, Args: args} }

// Pair builds a Pair primitive. More than two arguments form a right comb.
func Pair(args ...Node) Node { return Prim("Pair", args...) }

func Seq(items ...Node) Node {
	if items == nil {
		items = []Node{}
	}
	return Node{Kind: KindSeq, Args: items}
}

// IsPrim reports whether n is the named primitive.
func (n Node) IsPrim(name string) bool { return n.Kind == KindPrim && n.Prim == name }

// Describe is a short human label used in decode errors.
func (n Node) Describe() string {
	switch n.Kind {
	case KindPrim:
		return fmt.Sprintf("prim %s/%d", n.Prim, len(n.Args))
	case KindSeq:
		return fmt.Sprintf("seq/%d", len(n.Args))
	default:
		return n.Kind.String()
	}
}

// Flatten unfolds a right comb: Pair a (Pair b c) yields [a b c]. Any other node
// yields itself as the single element.
func (n Node) Flatten() []Node {
	if !n.IsPrim("Pair") || len(n.Args) < 2 {
		return []Node{n}
	}
	out := append([]Node(nil), n.Args[:len(n.Args)-1]...)
	return append(out, n.Args[len(n.Args)-1].Flatten()...)
}

// String renders n as Michelson text.
func (n Node) String() string {
	var sb strings.Builder
	n.write(&sb, false)
	return sb.String()
}

func (n Node) write(sb *strings.Builder, nested bool) {
	switch n.Kind {
	case KindInt:
		if n.Int == nil {
			sb.WriteString("0")
			return
		}
		sb.WriteString(n.Int.String())
	case KindString:
		sb.WriteString(quote(n.Str))
	case KindBytes:
		sb.WriteString("0x")
		sb.WriteString(hex.EncodeToString(n.Bytes))
	case KindSeq:
		if len(n.Args) == 0 {
			sb.WriteString("{}")
			return
		}
		sb.WriteString("{ ")
		for i, item := range n.Args {
			if i > 0 {
				sb.WriteString(" ; ")
			}
			item.write(sb, false)
		}
		sb.WriteString(" }")
	case KindPrim:
		wrap := nested && (len(n.Args) > 0 || len(n.Annots) > 0)
		if wrap {
			sb.WriteByte('(')
		}
		sb.WriteString(n.Prim)
		for _, a := range n.Annots {
			sb.WriteByte(' ')
			sb.WriteString(a)
		}
		for _, arg := range n.Args {
			sb.WriteByte(' ')
			arg.write(sb, true)
		}
		if wrap {
			sb.WriteByte(')')
		}
	}
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

type jsonNode struct {
	Int    *string  `json:"int,omitempty"`
	String *string  `json:"string,omitempty"`
	Bytes  *string  `json:"bytes,omitempty"`
	Prim   *string  `json:"prim,omitempty"`
	Args   []Node   `json:"args,omitempty"`
	Annots []string `json:"annots,omitempty"`
}

// MarshalJSON encodes n as Micheline JSON.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case KindInt:
		v := "0"
		if n.Int != nil {
			v = n.Int.String()
		}
		return json.Marshal(jsonNode{Int: &v})
	case KindString:
		return json.Marshal(jsonNode{String: &n.Str})
	case KindBytes:
		v := hex.EncodeToString(n.Bytes)
		return json.Marshal(jsonNode{Bytes: &v})
	case KindPrim:
		return json.Marshal(jsonNode{Prim: &n.Prim, Args: n.Args, Annots: n.Annots})
	case KindSeq:
		items := n.Args
		if items == nil {
			items = []Node{}
		}
		return json.Marshal(items)
	default:
		return nil, fmt.Errorf("michelson: cannot marshal %s", n.Kind)
	}
}

// UnmarshalJSON decodes Micheline JSON into n.
func (n *Node) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Node
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*n = Seq(items...)
		return nil
	}

	var raw jsonNode
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	switch {
	case raw.Int != nil:
		v, ok := new(big.Int).SetString(*raw.Int, 10)
		if !ok {
			return fmt.Errorf("michelson: invalid int literal %q", *raw.Int)
		}
		*n = Node{Kind: KindInt, Int: v}
	case raw.String != nil:
		*n = String(*raw.String)
	case raw.Bytes != nil:
		b, err := hex.DecodeString(*raw.Bytes)
		if err != nil {
			return fmt.Errorf("michelson: invalid bytes literal: %w", err)
		}
		*n = Node{Kind: KindBytes, Bytes: b}
	case raw.Prim != nil:
		*n = Node{Kind: KindPrim, Prim: *raw.Prim, Args: raw.Args, Annots: raw.Annots}
	default:
		return fmt.Errorf("michelson: unrecognised node %s", string(trimmed))
	}
	return nil
}
