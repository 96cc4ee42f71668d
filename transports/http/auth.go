package httptransport

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/projecteka/gateway/contracts"
)

// Authenticator turns a bearer token into the id of the participant that holds
// it
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

// Authenticate implements Authenticator
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// senderClaims carries the participant id. Identity providers disagree on
// where the client id lives, so clientId, azp and sub are tried in turn.
type senderClaims struct {
	ClientID string `json:"clientId,omitempty"`
	AZP      string `json:"azp,omitempty"`
	jwt.RegisteredClaims
}

func (c senderClaims) sender() string {
	switch {
	case c.ClientID != "":
		return c.ClientID
	case c.AZP != "":
		return c.AZP
	default:
		return c.Subject
	}
}

// JWTAuthenticator verifies HS256 or RS256 tokens
type JWTAuthenticator struct {
	hmacKey   []byte
	rsaKey    *rsa.PublicKey
	issuer    string
	leeway    time.Duration
	parserOps []jwt.ParserOption
}

// JWTOption configures a JWTAuthenticator
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires the iss claim to match
func WithIssuer(issuer string) JWTOption {
	return func(a *JWTAuthenticator) {
		a.issuer = issuer
	}
}

// WithLeeway tolerates clock skew on exp and nbf
func WithLeeway(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) {
		a.leeway = d
	}
}

// NewHMACAuthenticator verifies tokens signed with a shared secret
func NewHMACAuthenticator(secret string, opts ...JWTOption) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return newAuthenticator(&JWTAuthenticator{hmacKey: []byte(secret)}, opts), nil
}

// NewRSAAuthenticator verifies tokens against a PEM encoded public key
func NewRSAAuthenticator(pemKey []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return newAuthenticator(&JWTAuthenticator{rsaKey: key}, opts), nil
}

// LoadRSAAuthenticator reads the public key from path
func LoadRSAAuthenticator(path string, opts ...JWTOption) (*JWTAuthenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	return NewRSAAuthenticator(data, opts...)
}

func newAuthenticator(a *JWTAuthenticator, opts []JWTOption) *JWTAuthenticator {
	for _, opt := range opts {
		opt(a)
	}

	methods := []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}
	if a.rsaKey != nil {
		methods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg()}
	}
	a.parserOps = []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		a.parserOps = append(a.parserOps, jwt.WithIssuer(a.issuer))
	}
	return a
}

// Authenticate implements Authenticator
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	var claims senderClaims
	_, err := jwt.ParseWithClaims(token, &claims, a.key, a.parserOps...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", contracts.WrapError(contracts.CodeUnauthenticated, err, "token has expired")
		}
		return "", contracts.WrapError(contracts.CodeUnauthenticated, err, "invalid token")
	}

	sender := claims.sender()
	if sender == "" {
		return "", contracts.NewError(contracts.CodeUnauthenticated, "token names no client")
	}
	return sender, nil
}

func (a *JWTAuthenticator) key(*jwt.Token) (any, error) {
	if a.rsaKey != nil {
		return a.rsaKey, nil
	}
	return a.hmacKey, nil
}

type senderKey struct{}

// SenderFrom returns the authenticated participant id
func SenderFrom(ctx context.Context) string {
	id, _ := ctx.Value(senderKey{}).(string)
	return id
}

// RequireSender rejects requests without a valid bearer token and stores the
// sender id in the request context
func RequireSender(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token", "path", r.URL.Path)
				writeError(w, logger, contracts.NewError(contracts.CodeUnauthenticated, "missing bearer token"))
				return
			}

			sender, err := auth.Authenticate(ctx, strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token", "path", r.URL.Path, "error", err)
				if contracts.CodeOf(err) == "" {
					err = contracts.WrapError(contracts.CodeUnauthenticated, err, "invalid token")
				}
				writeError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, senderKey{}, sender)))
		})
	}
}
