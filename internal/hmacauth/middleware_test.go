package hmacauth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func signedRequest(body, ts, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/swaps/0xab/redeem", strings.NewReader(body))
	if sig != "" {
		req.Header.Set(DefaultSignatureHeader, sig)
	}
	if ts != "" {
		req.Header.Set(DefaultTimestampHeader, ts)
	}
	return req
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"secret":"0x01"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	rec := httptest.NewRecorder()
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, signedRequest(body, ts, Sign("secret", ts, []byte(body))))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	body := `{"secret":"0x01"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)

	cases := map[string]*http.Request{
		"bad signature":     signedRequest(body, ts, "0xdeadbeef"),
		"missing signature": signedRequest(body, ts, ""),
		"missing timestamp": signedRequest(body, "", Sign("secret", ts, []byte(body))),
		"stale timestamp":   signedRequest(body, stale, Sign("secret", stale, []byte(body))),
		"tampered body":     signedRequest(`{"secret":"0x02"}`, ts, Sign("secret", ts, []byte(body))),
		"non-hex signature": signedRequest(body, ts, "0xzz"),
	}

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	for name, req := range cases {
		rec := httptest.NewRecorder()
		v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("%s: handler should not be called", name)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestMiddleware_CustomHeaders(t *testing.T) {
	body := `{}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:          "secret",
		MaxSkew:         time.Minute,
		SignatureHeader: "X-Operator-Signature",
		TimestampHeader: "X-Operator-Timestamp",
		Now:             func() time.Time { return now },
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-Operator-Signature", Sign("secret", ts, []byte(body)))
	req.Header.Set("X-Operator-Timestamp", ts)
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestMiddleware_EmptySecretDisablesCheck(t *testing.T) {
	v := &Verifier{}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, signedRequest(`{}`, "", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_LogsRejectedAction(t *testing.T) {
	var logs bytes.Buffer
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	hashed := "0x" + strings.Repeat("cd", 32)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
		Logger:  zerolog.New(&logs),
	}
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/swaps/{hashedSecret}/refund", v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/swaps/"+hashed+"/refund", strings.NewReader(`{}`))
	req.Header.Set(DefaultTimestampHeader, ts)
	req.Header.Set(DefaultSignatureHeader, Sign("wrong", ts, []byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	line := logs.String()
	for _, want := range []string{`"action":"refund"`, `"hashed_secret":"` + hashed + `"`, `"error":"invalid request signature"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log %q missing %s", line, want)
		}
	}
}

func TestMiddleware_RejectsOversizedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := `{"secret":"0x` + strings.Repeat("ff", 64) + `"}`

	v := &Verifier{
		Secret:       "secret",
		MaxSkew:      time.Minute,
		MaxBodyBytes: 32,
		Now:          func() time.Time { return now },
	}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, signedRequest(body, ts, Sign("secret", ts, []byte(body))))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMiddleware_AcceptsUnprefixedSignature(t *testing.T) {
	body := `{}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, signedRequest(body, ts, strings.TrimPrefix(Sign("secret", ts, []byte(body)), "0x")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
