package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errUnauthorized = errors.New("unauthorized")

// authenticate checks the three upgrade credentials in order; any success
// accepts. Returns the subprotocol offer that carried a valid token, if
// that path won, so the upgrade response can echo it.
func (s *Server) authenticate(r *http.Request) (subprotocol string, err error) {
	if s.cfg.APIKey == "" && s.cfg.JWTSecret == "" {
		// No credentials configured: open gateway (dev mode).
		return "", nil
	}

	// A present-but-wrong credential does not short-circuit: the
	// remaining credentials still get their chance.
	if s.cfg.APIKey != "" {
		if key := r.Header.Get("X-API-Key"); key != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1 {
			return "", nil
		}
	}

	if s.cfg.JWTSecret != "" {
		if token := r.URL.Query().Get("token"); token != "" && s.validJWT(token) {
			return "", nil
		}
		for _, offer := range splitProtocolHeader(r.Header.Get("Sec-WebSocket-Protocol")) {
			if looksLikeJWT(offer) && s.validJWT(offer) {
				return offer, nil
			}
		}
	}
	return "", errUnauthorized
}

func (s *Server) validJWT(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	return err == nil && parsed.Valid
}

// looksLikeJWT reports whether the string has three dot-separated
// base64url segments.
func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

func splitProtocolHeader(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
