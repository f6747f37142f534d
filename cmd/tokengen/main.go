// tokengen выпускает JWT для сборщика сигналов, админа или пользователя.
//
//	go run ./cmd/tokengen -user 1 -role collector -ttl 720h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/internal/config"
	"tradepilot/pkg/jwt"
)

func main() {
	userID := flag.Int64("user", 0, "user id the token acts for")
	role := flag.String("role", jwt.RoleUser, "user, collector or admin")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg := config.Load(log)
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}
	if *userID <= 0 {
		log.Fatal().Msg("-user is required")
	}
	switch *role {
	case jwt.RoleUser, jwt.RoleCollector, jwt.RoleAdmin:
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	token, err := jwt.GenerateToken(cfg.JWTSecret, *userID, *role, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate token")
	}
	fmt.Println(token)
}
