package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "safezone-auth"
	defaultAudience = "mibs"
	defaultLeeway   = 30 * time.Second

	// UserHeader is trusted in place of a token when auth is disabled.
	UserHeader = "X-User-ID"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Config struct {
	// JWKSURL, when set, selects signing keys by kid from a key set such as
	// Keycloak's certs endpoint. PublicKeyPEM is used otherwise.
	JWKSURL      string
	HTTPClient   *http.Client
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// Verifier checks RS256 access tokens minted by the auth service.
type Verifier struct {
	key      *rsa.PublicKey
	jwks     *jwksCache
	issuer   string
	audience string
	leeway   time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}

	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		v.jwks = newJWKSCache(url, cfg.HTTPClient)
		if err := v.jwks.refresh(); err != nil {
			return nil, err
		}
		return v, nil
	}

	if len(cfg.PublicKeyPEM) == 0 {
		return nil, errors.New("token verifier requires a jwks url or a public key")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	v.key = key
	return v, nil
}

// VerifySubject validates the token and returns its subject as the user id.
// With a key set, an unknown kid or an expired cache triggers one refetch.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.parse(token)
	if err != nil && v.jwks != nil && (errors.Is(err, errUnknownKey) || v.jwks.expired()) {
		if rerr := v.jwks.refresh(); rerr != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, rerr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return sub, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if v.jwks == nil {
		return v.key, nil
	}
	kid, _ := t.Header["kid"].(string)
	if strings.TrimSpace(kid) == "" {
		return nil, errors.New("token has no kid")
	}
	return v.jwks.key(strings.TrimSpace(kid))
}

type SubjectVerifier interface {
	VerifySubject(token string) (string, error)
}

type ctxKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id, or "" outside an authenticated
// request.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware requires a valid bearer token on every request.
func Middleware(v SubjectVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				unauthorized(w, err)
				return
			}
			sub, err := v.VerifySubject(token)
			if err != nil {
				unauthorized(w, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), sub)))
		})
	}
}

// HeaderMiddleware trusts the X-User-ID header. Local development only.
func HeaderMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(UserHeader))
			if id == "" {
				unauthorized(w, fmt.Errorf("missing %s header", UserHeader))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="mibs"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
