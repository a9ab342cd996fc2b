// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secretref implements the credential grant protocol (spec.md §6):
// a short-lived signed token naming one (run, secret) pair, handed to an
// agent instead of the secret value itself. The agent exchanges the token
// for the value at the secrets vault, which stays an external collaborator
// out of scope here — this package only issues and verifies the grant.
package secretref

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the fixed JWT audience claim every grant carries.
const Audience = "agent_credential"

// TTL is the fixed grant lifetime (spec.md §6: "5-minute expiry").
const TTL = 5 * time.Minute

// ErrSecretMismatch is returned by Verify when the token names a different
// secret than the one the caller is redeeming it for. Callers should map
// this to a 403 at the control-plane boundary, per spec.md §6.
var ErrSecretMismatch = errors.New("secretref: token does not grant the requested secret")

// Claims is the JWT payload for a credential grant.
type Claims struct {
	jwt.RegisteredClaims
	// RunID is the run the grant was issued for.
	RunID string `json:"run_id"`
	// SecretName is the single secret this grant authorizes.
	SecretName string `json:"secret_name"`
}

// Grant is a signed credential handed to an agent in place of a secret
// value (spec.md §6). Token is the compact JWT the agent presents to the
// control plane; ExpiresAt mirrors the token's own exp claim for callers
// that want it without parsing the token.
type Grant struct {
	Token     string
	RunID     string
	SecretName string
	ExpiresAt time.Time
}

// Issuer issues and verifies credential grants using a single HS256 signing
// key. Callers needing asymmetric signing across processes should wrap the
// same Claims shape with their own jwt.SigningMethod; HS256 is sufficient
// for the control plane issuing and immediately verifying its own tokens.
type Issuer struct {
	key []byte
}

// New builds an Issuer signing with key. key must be non-empty.
func New(key []byte) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("secretref: signing key must not be empty")
	}
	return &Issuer{key: key}, nil
}

// IssueGrant signs a new Grant scoping secretName to runID for TTL.
func (i *Issuer) IssueGrant(ctx context.Context, runID, secretName string) (*Grant, error) {
	if runID == "" || secretName == "" {
		return nil, errors.New("secretref: run id and secret name are required")
	}

	now := time.Now()
	expiresAt := now.Add(TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		RunID:      runID,
		SecretName: secretName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("secretref: sign grant: %w", err)
	}

	return &Grant{Token: signed, RunID: runID, SecretName: secretName, ExpiresAt: expiresAt}, nil
}

// Verify parses tokenString and confirms it grants secretName. Any parse
// failure, expiry, audience mismatch, or secret-name mismatch is an error;
// callers at an HTTP boundary should answer all of them with 403, per
// spec.md §6's "token mismatch on secret name is a hard 403."
func (i *Issuer) Verify(ctx context.Context, tokenString, secretName string) error {
	if tokenString == "" {
		return errors.New("secretref: token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("secretref: unexpected signing method: %v", token.Method.Alg())
		}
		return i.key, nil
	}, jwt.WithAudience(Audience))
	if err != nil {
		return fmt.Errorf("secretref: parse grant: %w", err)
	}
	if !token.Valid {
		return errors.New("secretref: grant is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return errors.New("secretref: unexpected claims type")
	}
	if claims.SecretName != secretName {
		return ErrSecretMismatch
	}
	return nil
}
