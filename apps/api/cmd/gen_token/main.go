package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// gen_token prints an admin session token signed with APP_SIGNING_SECRET,
// or a bcrypt hash suitable for ADMIN_PASSWORD_HASH when -hash is given.
func main() {
	email := flag.String("email", os.Getenv("ADMIN_EMAIL"), "admin email to embed in the token")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	password := flag.String("hash", "", "print a bcrypt hash of this password and exit")
	flag.Parse()

	if *password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 || *email == "" {
		fmt.Fprintln(os.Stderr, "APP_SIGNING_SECRET (>=16 chars) and -email are required")
		os.Exit(2)
	}

	claims := jwt.MapClaims{
		"email": *email,
		"role":  "admin",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(*ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signedToken)
}
