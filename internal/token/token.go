// Package token mints and verifies the run-scoped bearer tokens handed
// to algorithm containers. A container presents its token to the
// node-local proxy, which only relays requests carrying a valid one.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "cohortnet-node"

// Claims are the container token claims. The token is scoped to one run
// on one node; it grants nothing beyond talking to that node's proxy.
type Claims struct {
	jwt.RegisteredClaims
	RunID          int64  `json:"run_id"`
	TaskID         int64  `json:"task_id"`
	OrganizationID int64  `json:"organization_id"`
	NodeName       string `json:"node_name"`
	Image          string `json:"image"`
}

// Mint signs a container token for one run. Tokens do not expire: a run
// has no execution timeout, so its container may legitimately outlive
// any fixed lifetime.
func Mint(secret []byte, runID, taskID, orgID int64, nodeName, image string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  fmt.Sprintf("run:%d", runID),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		RunID:          runID,
		TaskID:         taskID,
		OrganizationID: orgID,
		NodeName:       nodeName,
		Image:          image,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify parses and validates a container token.
func Verify(secret []byte, raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid container token")
	}
	return claims, nil
}
