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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims mirrors the shape of the access token the backend
// issues at login. stationctl never holds the backend's signing key,
// so it cannot verify the signature locally; it only parses the claims
// to reject an obviously expired token before bothering a worker with
// a manual-control command that the backend would refuse anyway.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// checkSessionNotExpired parses tokenString without verifying its
// signature and rejects it if the exp claim has already passed.
func checkSessionNotExpired(tokenString string) error {
	if tokenString == "" {
		return fmt.Errorf("no access token supplied (set STATION_ACCESS_TOKEN or pass --access-token)")
	}

	var claims sessionClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return fmt.Errorf("parse access token: %w", err)
	}

	if claims.ExpiresAt == nil {
		return nil
	}
	if time.Now().After(claims.ExpiresAt.Time) {
		return fmt.Errorf("access token expired at %s, log in again", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}
