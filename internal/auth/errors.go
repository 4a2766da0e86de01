package auth

import (
	"fmt"
	"strings"
)

// ConfigError is returned before any network call when the application
// credential is incomplete.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "azure credentials not configured: missing " + strings.Join(e.Missing, ", ")
}

// TokenError is returned when the token endpoint rejects the exchange,
// cannot be reached, or answers without a token.
type TokenError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *TokenError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("token request failed (%d %s): %s", e.StatusCode, e.Code, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("token request failed (%d): %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
}

func (e *TokenError) Unwrap() error {
	return e.Err
}
