package config

import (
	"fmt"
	"time"
)

// TokenIssuer is the iss claim on every API token the engine signs.
const TokenIssuer = "autoapply"

// JWTConfig holds configuration for the bearer tokens the HTTP API accepts.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// JWT returns the bearer token settings. The secret is optional for
// commands that never touch the API, so its absence is reported here
// rather than by Validate.
func (c *Config) JWT() (*JWTConfig, error) {
	if c.JWTSecret == "" {
		return nil, fmt.Errorf("config error: 'jwt_secret' (JWT_SECRET) is required")
	}
	return &JWTConfig{
		Secret:     c.JWTSecret,
		Issuer:     TokenIssuer,
		Expiration: time.Duration(c.JWTExpirationHours) * time.Hour,
	}, nil
}
