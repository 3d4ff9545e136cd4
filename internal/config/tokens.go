package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenCost is the bcrypt cost for approval tokens. Tokens are
// random and short-lived, so a lower cost than for passwords suffices.
const DefaultTokenCost = 10

// tokenBytes is the entropy of a minted approval token.
const tokenBytes = 32

// TokenConfig holds configuration for minting and verifying the one-time
// approval tokens sent in approval links.
type TokenConfig struct {
	BcryptCost int
	Pepper     string // optional global secret for additional security
}

// NewTokenConfig creates a token configuration from environment variables.
// It reads APPROVAL_TOKEN_COST (default: 10) and optionally APPROVAL_TOKEN_PEPPER.
func NewTokenConfig() (*TokenConfig, error) {
	costStr := os.Getenv("APPROVAL_TOKEN_COST")
	if costStr == "" {
		costStr = strconv.Itoa(DefaultTokenCost)
	}

	cost, err := strconv.Atoi(costStr)
	if err != nil {
		return nil, fmt.Errorf("invalid APPROVAL_TOKEN_COST: %v", err)
	}

	config := &TokenConfig{
		BcryptCost: cost,
		Pepper:     os.Getenv("APPROVAL_TOKEN_PEPPER"), // empty if not set
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}

	return config, nil
}

// normalize validates the configuration.
func (c *TokenConfig) normalize() error {
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > 14 {
		return fmt.Errorf("bcrypt cost out of range: %d (must be %d-14)", c.BcryptCost, bcrypt.MinCost)
	}
	if len(c.Pepper) > 24 {
		return fmt.Errorf("APPROVAL_TOKEN_PEPPER too long: %d bytes (max 24)", len(c.Pepper))
	}
	return nil
}

// NewToken mints a random URL-safe token and returns it with its hash.
func (c *TokenConfig) NewToken() (token, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)

	hash, err = c.HashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

// HashToken hashes a token using bcrypt (with optional pepper).
func (c *TokenConfig) HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token+c.Pepper), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken verifies a token against a stored hash (with optional pepper).
func (c *TokenConfig) VerifyToken(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(token+c.Pepper))
	return err == nil
}
