package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/config"
)

var errInvalidToken = errors.New("invalid_token")

// Identity is the authenticated caller as asserted by the token issuer.
type Identity struct {
	UID  string
	Role string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// FirebaseVerifier checks Firebase ID tokens; the role comes from the "role" custom claim.
type FirebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, projectID string) (*FirebaseVerifier, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	t, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, err
	}
	role, _ := t.Claims["role"].(string)
	return &Identity{UID: t.UID, Role: role}, nil
}

// JWTVerifier checks HS256 app tokens carrying userId (or sub) and role.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	uid := claimString(claims, "userId")
	if uid == "" {
		uid = claimString(claims, "sub")
	}
	if uid == "" {
		return nil, errInvalidToken
	}
	return &Identity{UID: uid, Role: claimString(claims, "role")}, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// SignJWT issues an app token; cmd/chatcli and tests use it.
func SignJWT(secret, uid, role string, claims jwt.MapClaims) (string, error) {
	c := jwt.MapClaims{"userId": uid, "role": role}
	for k, v := range claims {
		c[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

type AuthMiddleware struct {
	verifiers []TokenVerifier
}

// NewAuthMiddleware enables every issuer configured in cfg.
func NewAuthMiddleware(ctx context.Context, cfg config.AuthConfig) (*AuthMiddleware, error) {
	m := &AuthMiddleware{}
	if cfg.FirebaseProjectID != "" {
		fv, err := NewFirebaseVerifier(ctx, cfg.FirebaseProjectID)
		if err != nil {
			return nil, err
		}
		m.verifiers = append(m.verifiers, fv)
	}
	if cfg.JWTSecret != "" {
		m.verifiers = append(m.verifiers, NewJWTVerifier(cfg.JWTSecret))
	}
	if len(m.verifiers) == 0 {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "neither FIREBASE_PROJECT_ID nor JWT_SECRET is set")
	}
	return m, nil
}

func NewAuthMiddlewareWith(verifiers ...TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifiers: verifiers}
}

// RequireAuth accepts a bearer token, or a token query parameter for
// browser websocket upgrades that cannot set headers.
func (m *AuthMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		id, err := m.verify(c.Request().Context(), tokenStr)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		}
		c.Set("uid", id.UID)
		c.Set("role", id.Role)
		return next(c)
	}
}

func (m *AuthMiddleware) verify(ctx context.Context, tokenStr string) (*Identity, error) {
	var lastErr error = errInvalidToken
	for _, v := range m.verifiers {
		id, err := v.Verify(ctx, tokenStr)
		if err == nil && id.UID != "" {
			return id, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}

func bearerToken(c echo.Context) string {
	authz := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return c.QueryParam("token")
}
