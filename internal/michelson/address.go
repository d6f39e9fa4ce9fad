package michelson

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	prefixTz1  = []byte{6, 161, 159}
	prefixTz2  = []byte{6, 161, 161}
	prefixTz3  = []byte{6, 161, 164}
	prefixKT1  = []byte{2, 90, 121}
	prefixExpr = []byte{13, 44, 64, 27}
	// PrefixOperation is the base58 prefix of operation group hashes (o...).
	PrefixOperation = []byte{5, 116}
)

var implicitPrefixes = [][]byte{prefixTz1, prefixTz2, prefixTz3}

// ErrInvalidAddress is returned for strings that are not tz1/tz2/tz3/KT1 addresses.
var ErrInvalidAddress = errors.New("invalid tezos address")

// Base58CheckEncode appends a double-sha256 checksum to prefix||payload and
// encodes the result in base58.
func Base58CheckEncode(prefix, payload []byte) string {
	data := make([]byte, 0, len(prefix)+len(payload)+4)
	data = append(data, prefix...)
	data = append(data, payload...)
	return base58.Encode(append(data, checksum(data)...))
}

// Base58CheckDecode verifies the checksum and strips prefix from s.
func Base58CheckDecode(s string, prefix []byte) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58: %w", err)
	}
	if len(raw) < len(prefix)+4 {
		return nil, errors.New("base58: input too short")
	}
	data, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(checksum(data), sum) {
		return nil, errors.New("base58: checksum mismatch")
	}
	if !bytes.HasPrefix(data, prefix) {
		return nil, errors.New("base58: unexpected prefix")
	}
	return data[len(prefix):], nil
}

func checksum(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// EncodeAddress converts a base58 address into the 22-byte binary form used by
// the chain: 0x00 tag hash for implicit accounts, 0x01 hash 0x00 for contracts.
func EncodeAddress(address string) ([]byte, error) {
	if len(address) != 36 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	switch address[:3] {
	case "KT1":
		hash, err := Base58CheckDecode(address, prefixKT1)
		if err != nil || len(hash) != 20 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		out := append([]byte{0x01}, hash...)
		return append(out, 0x00), nil
	case "tz1", "tz2", "tz3":
		tag := address[2] - '1'
		hash, err := Base58CheckDecode(address, implicitPrefixes[tag])
		if err != nil || len(hash) != 20 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return append([]byte{0x00, tag}, hash...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
}

// DecodeAddress is the inverse of EncodeAddress.
func DecodeAddress(raw []byte) (string, error) {
	if len(raw) != addressBinaryLen {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(raw))
	}
	switch raw[0] {
	case 0x00:
		if int(raw[1]) >= len(implicitPrefixes) {
			return "", fmt.Errorf("%w: curve tag %d", ErrInvalidAddress, raw[1])
		}
		return Base58CheckEncode(implicitPrefixes[raw[1]], raw[2:]), nil
	case 0x01:
		if raw[21] != 0x00 {
			return "", fmt.Errorf("%w: bad contract padding", ErrInvalidAddress)
		}
		return Base58CheckEncode(prefixKT1, raw[1:21]), nil
	default:
		return "", fmt.Errorf("%w: tag %d", ErrInvalidAddress, raw[0])
	}
}

// ValidAddress reports whether address is a well formed tz1/tz2/tz3/KT1 address.
func ValidAddress(address string) bool {
	_, err := EncodeAddress(address)
	return err == nil
}
