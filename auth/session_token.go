// Package auth verifies embedded-app session tokens and derives the session
// id a request belongs to.
package auth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-shopify/core"
)

const (
	HeaderAuthorization = "Authorization"
	bearerPrefix        = "bearer "

	// DefaultLeeway absorbs clock drift between the platform and this host.
	DefaultLeeway = 5 * time.Second
)

// SessionTokenClaims is the payload of an embedded-app session token. Issuer
// is the shop admin URL, Dest the shop URL, Subject the user id.
type SessionTokenClaims struct {
	jwt.RegisteredClaims
	Dest      string `json:"dest"`
	SessionID string `json:"sid,omitempty"`
}

// Shop returns the sanitized shop domain carried in dest.
func (c SessionTokenClaims) Shop() (string, error) {
	dest := strings.TrimSpace(c.Dest)
	if dest == "" {
		return "", InvalidJWTError(nil, "session token is missing the dest claim")
	}
	host := dest
	if parsed, err := url.Parse(dest); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	shop, err := core.SanitizeShop(host)
	if err != nil {
		return "", InvalidJWTError(err, "session token dest is not a shop domain")
	}
	return shop, nil
}

type Option func(*Decoder)

func WithLeeway(leeway time.Duration) Option {
	return func(d *Decoder) {
		if leeway >= 0 {
			d.leeway = leeway
		}
	}
}

// WithClock overrides the time source used for exp/nbf checks.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// Decoder verifies HS256 session tokens signed with the app secret and
// addressed to the app's API key.
type Decoder struct {
	apiKey     string
	secret     []byte
	isEmbedded bool
	leeway     time.Duration
	now        func() time.Time
}

func NewDecoder(cfg core.Config, opts ...Option) *Decoder {
	d := &Decoder{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secret:     []byte(cfg.APISecretKey),
		isEmbedded: cfg.IsEmbeddedApp,
		leeway:     DefaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Decoder) DecodeSessionToken(token string) (SessionTokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionTokenClaims{}, MissingJWTTokenError("session token is required")
	}
	if len(d.secret) == 0 || d.apiKey == "" {
		return SessionTokenClaims{}, InvalidJWTError(nil, "api key and secret are required to verify session tokens")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(d.apiKey),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(d.leeway),
		jwt.WithTimeFunc(d.now),
	)
	var claims SessionTokenClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return d.secret, nil
	})
	if err != nil {
		return SessionTokenClaims{}, InvalidJWTError(err, "failed to verify session token")
	}
	if !parsed.Valid {
		return SessionTokenClaims{}, InvalidJWTError(nil, "session token is not valid")
	}
	if _, err := claims.Shop(); err != nil {
		return SessionTokenClaims{}, err
	}
	return claims, nil
}

// CurrentSessionID resolves the session id for a request to an embedded app:
// the online id "<shop>_<user>" when online, otherwise the shop's offline id.
func (d *Decoder) CurrentSessionID(r *http.Request, online bool) (string, error) {
	if !d.isEmbedded {
		return "", InvalidJWTError(nil, "session tokens are only issued to embedded apps")
	}
	token, err := BearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := d.DecodeSessionToken(token)
	if err != nil {
		return "", err
	}
	shop, err := claims.Shop()
	if err != nil {
		return "", err
	}
	if !online {
		return core.OfflineSessionID(shop), nil
	}
	user := strings.TrimSpace(claims.Subject)
	if user == "" {
		return "", InvalidJWTError(nil, "session token is missing the sub claim")
	}
	return core.OnlineSessionID(shop, user), nil
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", MissingJWTTokenError("request is required")
	}
	header := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", MissingJWTTokenError("missing bearer token on request")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", MissingJWTTokenError("missing bearer token on request")
	}
	return token, nil
}

// SignSessionToken issues an HS256 token with the given claims. Used by test
// harnesses and local tooling that stand in for the platform.
func SignSessionToken(secret string, claims SessionTokenClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", InvalidJWTError(nil, "signing secret is required")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
