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

package stationcli

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: "operator-1",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("does-not-matter-we-never-verify-this"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func TestCheckSessionNotExpiredRejectsEmptyToken(t *testing.T) {
	if err := checkSessionNotExpired(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestCheckSessionNotExpiredRejectsExpired(t *testing.T) {
	token := signedTestToken(t, time.Now().Add(-time.Hour))
	if err := checkSessionNotExpired(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestCheckSessionNotExpiredAcceptsValid(t *testing.T) {
	token := signedTestToken(t, time.Now().Add(time.Hour))
	if err := checkSessionNotExpired(token); err != nil {
		t.Errorf("expected no error for unexpired token, got: %v", err)
	}
}
