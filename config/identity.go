package config

import (
	"fmt"
	"os"
	"strings"
)

// TokenType identifies how a client authenticates.
type TokenType string

const (
	TokenNone     TokenType = "none"
	TokenIssued   TokenType = "issued"
	TokenUsername TokenType = "username"
)

// IdentityToken holds credentials for one endpoint.
type IdentityToken struct {
	Type                TokenType
	UserName            string
	TokenData           []byte
	EncryptionAlgorithm string
}

// AnonymousToken returns a token that carries no credentials.
func AnonymousToken() IdentityToken {
	return IdentityToken{Type: TokenNone}
}

// IssuedToken wraps an externally issued token.
func IssuedToken(data []byte, algorithm string) IdentityToken {
	return IdentityToken{Type: TokenIssued, TokenData: append([]byte(nil), data...), EncryptionAlgorithm: algorithm}
}

// UsernameToken builds a user/password token.
func UsernameToken(user, password string) IdentityToken {
	return IdentityToken{Type: TokenUsername, UserName: user, TokenData: []byte(password)}
}

// Secret returns the token data as string.
func (t IdentityToken) Secret() string {
	return string(t.TokenData)
}

// IdentityToken converts the YAML identity into an IdentityToken.
func (c IdentityConfig) IdentityToken() (IdentityToken, error) {
	secret := c.Token
	if c.Password != "" {
		secret = c.Password
	}
	if c.TokenEnv != "" {
		value, ok := os.LookupEnv(c.TokenEnv)
		if !ok {
			return IdentityToken{}, fmt.Errorf("environment variable %s is not set", c.TokenEnv)
		}
		secret = value
	}
	switch TokenType(strings.ToLower(string(c.Type))) {
	case "", TokenNone:
		return AnonymousToken(), nil
	case TokenIssued:
		if secret == "" {
			return IdentityToken{}, fmt.Errorf("issued token requires token data")
		}
		return IssuedToken([]byte(secret), c.Algorithm), nil
	case TokenUsername:
		if c.Username == "" {
			return IdentityToken{}, fmt.Errorf("username token requires a username")
		}
		return UsernameToken(c.Username, secret), nil
	default:
		return IdentityToken{}, fmt.Errorf("unsupported identity type %q", c.Type)
	}
}
