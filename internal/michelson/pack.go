package michelson

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const packPrefix = 0x05

// Binary tags of the Micheline encoding.
const (
	tagInt           = 0x00
	tagString        = 0x01
	tagSeq           = 0x02
	tagPrim0         = 0x03
	tagPrimN         = 0x09
	tagBytes         = 0x0a
	addressBinaryLen = 22
)

// Data constructors only; instructions and types never appear in keys.
var primCodes = map[string]byte{
	"False": 0x03,
	"Elt":   0x04,
	"Left":  0x05,
	"None":  0x06,
	"Pair":  0x07,
	"Right": 0x08,
	"Some":  0x09,
	"True":  0x0a,
	"Unit":  0x0b,
}

// Pack returns the PACK serialisation of n: 0x05 followed by the binary
// Micheline encoding.
func Pack(n Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(packPrefix)
	if err := encode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackString packs a Michelson string.
func PackString(s string) []byte {
	out, _ := Pack(String(s))
	return out
}

// PackBytes packs a Michelson bytes value.
func PackBytes(b []byte) []byte {
	out, _ := Pack(Bytes(b))
	return out
}

// PackInt packs a Michelson int or nat.
func PackInt(v *big.Int) []byte {
	out, _ := Pack(Int(v))
	return out
}

// PackAddress packs a base58 Tezos address using its 22-byte binary form.
func PackAddress(address string) ([]byte, error) {
	raw, err := EncodeAddress(address)
	if err != nil {
		return nil, err
	}
	return Pack(Bytes(raw))
}

// ExprHash is the big-map key hash (expr...) of a packed value.
func ExprHash(packed []byte) string {
	sum := blake2b.Sum256(packed)
	return Base58CheckEncode(prefixExpr, sum[:])
}

func encode(buf *bytes.Buffer, n Node) error {
	switch n.Kind {
	case KindInt:
		buf.WriteByte(tagInt)
		v := n.Int
		if v == nil {
			v = new(big.Int)
		}
		buf.Write(zarith(v))
	case KindString:
		buf.WriteByte(tagString)
		writeLenPrefixed(buf, []byte(n.Str))
	case KindBytes:
		buf.WriteByte(tagBytes)
		writeLenPrefixed(buf, n.Bytes)
	case KindSeq:
		var inner bytes.Buffer
		for _, item := range n.Args {
			if err := encode(&inner, item); err != nil {
				return err
			}
		}
		buf.WriteByte(tagSeq)
		writeLenPrefixed(buf, inner.Bytes())
	case KindPrim:
		code, ok := primCodes[n.Prim]
		if !ok {
			return fmt.Errorf("michelson: cannot pack primitive %s", n.Prim)
		}
		annots := []byte(strings.Join(n.Annots, " "))
		if len(n.Args) > 2 {
			var args bytes.Buffer
			for _, a := range n.Args {
				if err := encode(&args, a); err != nil {
					return err
				}
			}
			buf.WriteByte(tagPrimN)
			buf.WriteByte(code)
			writeLenPrefixed(buf, args.Bytes())
			writeLenPrefixed(buf, annots)
			return nil
		}
		// 0x03/0x05/0x07 for zero to two args, one higher when annotated.
		tag := tagPrim0 + 2*byte(len(n.Args))
		if len(annots) > 0 {
			tag++
		}
		buf.WriteByte(tag)
		buf.WriteByte(code)
		for _, a := range n.Args {
			if err := encode(buf, a); err != nil {
				return err
			}
		}
		if len(annots) > 0 {
			writeLenPrefixed(buf, annots)
		}
	default:
		return fmt.Errorf("michelson: cannot pack %s", n.Kind)
	}
	return nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

// zarith encodes a signed integer: the first byte carries a continuation bit, a
// sign bit and six value bits; following bytes carry seven value bits each.
func zarith(v *big.Int) []byte {
	abs := new(big.Int).Abs(v)
	first := byte(new(big.Int).And(abs, big.NewInt(0x3f)).Uint64())
	if v.Sign() < 0 {
		first |= 0x40
	}
	abs.Rsh(abs, 6)
	out := []byte{first}
	for abs.Sign() > 0 {
		out[len(out)-1] |= 0x80
		out = append(out, byte(new(big.Int).And(abs, big.NewInt(0x7f)).Uint64()))
		abs.Rsh(abs, 7)
	}
	return out
}
