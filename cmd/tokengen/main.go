// Command tokengen mints a bearer token for local development.
//
//	go run ./cmd/tokengen -id u-1 -role user
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"staychat/internal/auth"
	"staychat/internal/config"
	"staychat/internal/model"
)

func main() {
	id := flag.String("id", "", "identity id (token subject)")
	role := flag.String("role", "user", "user or provider")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	r, err := model.ParseRole(*role)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	token, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.AuthTokenDuration).Issue(*id, r)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println(token)
}
