// Copyright 2025 The escrowd Authors
// This file is part of the escrowd library.
//
// The escrowd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The escrowd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the escrowd library. If not, see <http://www.gnu.org/licenses/>.

package opsapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// jwtExpiryTimeout bounds how far a token's issued-at may sit from the
// server clock, in either direction.
const jwtExpiryTimeout = 60 * time.Second

// checkJWT validates the Bearer token of an admin request against the
// shared secret. Tokens are short lived: the client mints one per call
// with a fresh iat claim.
func checkJWT(r *http.Request, secret []byte) error {
	var (
		strToken string
		claims   jwt.RegisteredClaims
	)
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		strToken = strings.TrimPrefix(auth, "Bearer ")
	}
	if len(strToken) == 0 {
		return errors.New("missing token")
	}
	// Only HS256 is accepted. The library's own claims validation is
	// switched off because it rejects an issued-at even marginally in
	// the future, and some clock drift has to be tolerated here.
	token, err := jwt.ParseWithClaims(strToken, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	switch {
	case err != nil:
		return err
	case !token.Valid:
		return errors.New("invalid token")
	case claims.IssuedAt == nil:
		return errors.New("missing issued-at")
	case time.Since(claims.IssuedAt.Time) > jwtExpiryTimeout:
		return errors.New("stale token")
	case time.Until(claims.IssuedAt.Time) > jwtExpiryTimeout:
		return errors.New("token issued in the future")
	}
	return nil
}
