// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomtom215/logwarden/internal/config"
)

var errUnauthorized = errors.New("unauthorized")

// bearerToken pulls the credential from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// authenticate gates the handshake. A failure means the connection is
// rejected with 401 before the upgrade; it never reaches the registry.
func (h *Hub) authenticate(r *http.Request) error {
	switch h.cfg.AuthMode {
	case config.AuthNone:
		return nil
	case config.AuthToken:
		tok := bearerToken(r)
		if tok == "" {
			return errUnauthorized
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.TokenHash), []byte(tok)); err != nil {
			return errUnauthorized
		}
		return nil
	case config.AuthJWT:
		tok := bearerToken(r)
		if tok == "" {
			return errUnauthorized
		}
		_, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(h.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return errUnauthorized
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", h.cfg.AuthMode)
	}
}
