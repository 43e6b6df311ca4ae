package gateway

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const authLogPrefix = "gateway:auth"

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("no connect token found")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid connect token")
)

// Identity is the user bound to a connection by its token.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Claims is the connect token body.
type Claims struct {
	Metadata struct {
		UserID commsutil.ID `json:"user_id"`
		Name   string       `json:"name"`
		Email  string       `json:"email"`
	} `json:"metadata"`
	jwt.RegisteredClaims
}

// TokenVerifier checks connect tokens against one RSA public key.
type TokenVerifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier accepting only algorithm and audience.
func NewTokenVerifier(key *rsa.PublicKey, algorithm, audience string) *TokenVerifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{algorithm})}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &TokenVerifier{key: key, parser: jwt.NewParser(opts...)}
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read public key %s: %w", authLogPrefix, path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse public key %s: %w", authLogPrefix, path, err)
	}
	return key, nil
}

// Verify validates token and returns the identity it carries.
func (v *TokenVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Metadata.UserID == "" {
		return Identity{}, fmt.Errorf("%w: metadata.user_id missing", ErrInvalidToken)
	}
	return Identity{
		UserID: claims.Metadata.UserID.String(),
		Name:   claims.Metadata.Name,
		Email:  claims.Metadata.Email,
	}, nil
}

// TokenFromRequest returns the bearer token from the Authorization header or
// the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
