package echoapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/livesync"
	"github.com/trezcool/masomo-gate/core/principal"
)

const (
	// TokenCookie carries the session token of browser requests.
	TokenCookie = "masomo_token"

	contextSessionKey = "session"
	contextClaimsKey  = "claims"
)

var (
	errNoToken      = errors.New("missing token")
	signingMethod   = jwt.SigningMethodHS256
	tokenAudience   = "masomo-gate"
	errInvalidToken = errors.New("invalid token")
)

// Claims represents the authorization claims transmitted via a JWT.
// Role is informative only: access decisions always read the live principal record.
type Claims struct {
	jwt.StandardClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

func NewClaims(p principal.Principal, conf *core.Config) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   p.ID,
			Audience:  tokenAudience,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Email: p.Email,
		Role:  string(p.Role),
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(claims *Claims, secretKey string) (string, error) {
	token := jwt.NewWithClaims(signingMethod, claims)
	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func parseToken(raw, secretKey string) (*Claims, error) {
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != signingMethod.Alg() {
			return nil, errInvalidToken
		}
		return []byte(secretKey), nil
	})
	if err != nil || !token.Valid || !claims.VerifyAudience(tokenAudience, true) || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// requestToken looks the token up in the Authorization header, then in the session cookie.
func requestToken(r *http.Request) (string, error) {
	if auth := r.Header.Get(echo.HeaderAuthorization); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return auth[len(prefix):], nil
		}
		return "", errInvalidToken
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errNoToken
}

// sessionMiddleware attaches the live session of the authenticated principal, if any.
// Requests without a valid token, or whose principal no longer exists, go on unauthenticated.
func sessionMiddleware(conf *core.Config, sessions *livesync.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			raw, err := requestToken(ctx.Request())
			if err != nil {
				return next(ctx)
			}
			claims, err := parseToken(raw, conf.SecretKey)
			if err != nil {
				return next(ctx)
			}

			sess, release, err := sessions.Acquire(ctx.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Cause(err) == principal.ErrNotFound {
					return next(ctx)
				}
				return errors.Wrap(err, "acquiring session")
			}
			defer release()

			ctx.Set(contextClaimsKey, claims)
			ctx.Set(contextSessionKey, sess)
			return next(ctx)
		}
	}
}

// authRequiredMiddleware rejects the requests sessionMiddleware left unauthenticated.
func authRequiredMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if _, ok := getContextSession(ctx); !ok {
			return errUnauthorized
		}
		return next(ctx)
	}
}

func getContextSession(ctx echo.Context) (*livesync.Session, bool) {
	sess, ok := ctx.Get(contextSessionKey).(*livesync.Session)
	return sess, ok && sess != nil
}

// getAccessSession is what the resolver knows about the request.
func getAccessSession(ctx echo.Context) access.Session {
	if sess, ok := getContextSession(ctx); ok {
		return sess.Store().Session()
	}
	return access.Unauthenticated()
}

func getContextPrincipal(ctx echo.Context) (principal.Principal, error) {
	if sess, ok := getContextSession(ctx); ok {
		if p, found := sess.Store().Principal(); found {
			return p, nil
		}
	}
	return principal.Principal{}, errUnauthorized
}
