package config

import "fmt"

// JWTConfig holds configuration for JWT token generation and validation.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// JWT returns the token configuration of c, or nil when no secret is set and
// the admin API runs without authentication.
func (c *Config) JWT() (*JWTConfig, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	config := &JWTConfig{Secret: c.JWTSecret, ExpirationHours: c.JWTExpirationHours}
	if config.ExpirationHours == 0 {
		config.ExpirationHours = 24
	}
	if config.ExpirationHours < 1 {
		return nil, fmt.Errorf("config error: 'jwt_expiration_hours' must be at least 1, got %d", config.ExpirationHours)
	}
	return config, nil
}
