package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

const signedPrefix = "s:"

// Sign returns value in signed cookie form: "s:" + value + "." + signature.
func Sign(value, secret string) string {
	return signedPrefix + value + "." + signature(value, secret)
}

// Unsign verifies a signed cookie value and returns the original value.
func Unsign(signed, secret string) (string, bool) {
	if !strings.HasPrefix(signed, signedPrefix) {
		return "", false
	}
	signed = signed[len(signedPrefix):]

	dot := strings.LastIndexByte(signed, '.')
	if dot < 0 {
		return "", false
	}
	value, sig := signed[:dot], signed[dot+1:]

	if !hmac.Equal([]byte(sig), []byte(signature(value, secret))) {
		return "", false
	}
	return value, true
}

func signature(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return strings.TrimRight(base64.StdEncoding.EncodeToString(mac.Sum(nil)), "=")
}

// Lookup resolves the session referenced by a request's signed cookie.
type Lookup struct {
	Store      Store
	Secret     string
	CookieName string
}

// FromRequest returns the session for r. A request without the cookie has no
// session and no error.
func (l *Lookup) FromRequest(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(l.CookieName)
	if err != nil {
		return nil, nil
	}

	// Browsers send the signed value URL-encoded ("s%3A...").
	value, err := url.PathUnescape(cookie.Value)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	id, ok := Unsign(value, l.Secret)
	if !ok {
		return nil, ErrInvalidSignature
	}

	return l.Store.Get(ctx, id)
}
