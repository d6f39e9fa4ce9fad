// Package hmacauth guards the redeem and refund routes with a shared secret
// HMAC over timestamp and body.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"

	// DefaultMaxBodyBytes covers a redeem payload with a generous secret.
	DefaultMaxBodyBytes = 64 << 10
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Verifier checks signatures produced by Sign. An empty Secret disables the
// check, which is only meant for local runs.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	MaxBodyBytes    int64
	SignatureHeader string
	TimestampHeader string
	Now             func() time.Time
	Logger          zerolog.Logger
}

// Middleware rejects operator actions whose signature does not cover the
// exact body. Rejections are logged with the action and hashed secret they
// targeted so a misconfigured operator client is easy to trace.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := v.verify(w, r); err != nil {
			v.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) reject(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusUnauthorized
	if errors.Is(err, ErrBodyTooLarge) {
		code = http.StatusRequestEntityTooLarge
	}
	v.Logger.Warn().
		Err(err).
		Str("action", path.Base(r.URL.Path)).
		Str("hashed_secret", r.PathValue("hashedSecret")).
		Str("remote", r.RemoteAddr).
		Str("request_id", r.Header.Get("X-Request-Id")).
		Int("status", code).
		Msg("operator action rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (v *Verifier) verify(w http.ResponseWriter, r *http.Request) error {
	sig, err := v.signature(r)
	if err != nil {
		return err
	}
	ts, err := v.timestamp(r)
	if err != nil {
		return err
	}
	body, err := v.body(w, r)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// signature decodes the hex signature header; the 0x prefix is optional.
func (v *Verifier) signature(r *http.Request) ([]byte, error) {
	raw := r.Header.Get(headerOr(v.SignatureHeader, DefaultSignatureHeader))
	if raw == "" {
		return nil, ErrMissingSignature
	}
	if len(raw) < 2 || raw[:2] != "0x" {
		raw = "0x" + raw
	}
	sig, err := hexutil.Decode(raw)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// timestamp returns the raw header once it parses as unix seconds within
// MaxSkew of now in either direction.
func (v *Verifier) timestamp(r *http.Request) (string, error) {
	raw := r.Header.Get(headerOr(v.TimestampHeader, DefaultTimestampHeader))
	if raw == "" {
		return "", ErrMissingTimestamp
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return "", ErrStaleTimestamp
	}
	return raw, nil
}

// body reads at most MaxBodyBytes and puts the bytes back for the handler.
func (v *Verifier) body(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	limit := v.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Sign returns the 0x-prefixed hex HMAC-SHA256 of timestamp followed by body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hexutil.Encode(mac.Sum(nil))
}

func headerOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
