package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

// SessionIDKey holds the session a caller is authorized to act for.
const SessionIDKey contextKey = "session_id"

// ProxySessionHeader is set by an upstream proxy that already validated the caller.
const ProxySessionHeader = "x-session-id"

var ErrUnauthenticated = errors.New("unauthenticated")

// JWTValidator validates RS256 bearer tokens carrying a session_id claim.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// ValidateToken checks signature, issuer and audience and returns the session_id claim.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	if v == nil || v.publicKey == nil {
		return "", fmt.Errorf("%w: no verification key", ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	sessionID, ok := claims["session_id"].(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("%w: missing or invalid session_id claim", ErrUnauthenticated)
	}

	return sessionID, nil
}

func bearer(header string) (string, bool) {
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != header && token != ""
}

// HTTPMiddleware rejects requests without a valid bearer token.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if sessionID := r.Header.Get(ProxySessionHeader); sessionID != "" {
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString, ok := bearer(authHeader)
		if !ok {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		sessionID, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
	})
}

// GRPCInterceptor is the unary interceptor equivalent of HTTPMiddleware.
func (v *JWTValidator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		if ids := md.Get(ProxySessionHeader); len(ids) > 0 {
			return handler(WithSessionID(ctx, ids[0]), req)
		}

		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
		}

		tokenString, ok := bearer(authHeaders[0])
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "invalid authorization header format")
		}

		sessionID, err := v.ValidateToken(tokenString)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		return handler(WithSessionID(ctx, sessionID), req)
	}
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(SessionIDKey).(string)
	return sessionID, ok
}

// Authorize reports whether the caller in ctx may act on sessionID.
// Unauthenticated contexts (auth disabled) are allowed.
func Authorize(ctx context.Context, sessionID string) bool {
	caller, ok := SessionIDFromContext(ctx)
	return !ok || caller == sessionID
}
