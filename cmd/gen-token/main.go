// Command gen-token prints an HS256 bearer token accepted by taskd when it runs
// with AUTH_MODE=hs256.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	sub := flag.String("sub", "local-user", "Subject (user id) of the token")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	aud := flag.String("aud", os.Getenv("AUTH_AUDIENCE"), "Audience claim")
	iss := flag.String("iss", os.Getenv("AUTH_ISSUER"), "Issuer claim")
	flag.Parse()

	tok, err := mint([]byte(os.Getenv("AUTH_SHARED_SECRET")), *sub, *aud, *iss, *ttl, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(tok)
}

func mint(secret []byte, sub, aud, iss string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("AUTH_SHARED_SECRET must be set")
	}
	if sub == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	if iss != "" {
		claims.Issuer = iss
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
