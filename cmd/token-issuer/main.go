package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/status_relay/internal/logging"
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type TokenRequest struct {
	SessionID string `json:"session_id"`
	TTL       int    `json:"ttl_seconds,omitempty"` // defaults to one hour
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// issuer signs session scoped tokens accepted by the relay's JWT validator.
type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	name     string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 private key in PEM form, generating a fresh key when
// pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func (is *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.jwks)
	mux.HandleFunc("GET /public-key", is.publicKey)
	mux.HandleFunc("POST /token", is.createToken)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

func (is *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := is.key.PublicKey
	response := JWKSResponse{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Kid: is.keyID,
		N:   base64UrlEncode(pub.N.Bytes()),
		E:   base64UrlEncode(intToBytes(pub.E)),
	}}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(response)
}

// publicKey serves the PEM the relay expects in JWT_PUBLIC_KEY.
func (is *issuer) publicKey(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&is.key.PublicKey)
	if err != nil {
		http.Error(w, "Failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (is *issuer) sign(sessionID string, ttl time.Duration) (string, error) {
	now := is.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":        is.name,
		"aud":        is.audience,
		"sub":        sessionID,
		"session_id": sessionID,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	})
	token.Header["kid"] = is.keyID
	return token.SignedString(is.key)
}

func (is *issuer) createToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if req.TTL <= 0 {
		req.TTL = 3600
	}

	tokenString, err := is.sign(req.SessionID, time.Duration(req.TTL)*time.Second)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: tokenString, ExpiresIn: req.TTL, TokenType: "Bearer"})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	log := logging.New("statusrelay-token-issuer")
	logging.SetDefaultService("statusrelay-token-issuer")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("signing key setup failed")
	}

	is := &issuer{
		key:      key,
		keyID:    getEnv("JWT_KEY_ID", "statusrelay-key-1"),
		name:     getEnv("JWT_ISSUER", "statusrelay"),
		audience: getEnv("JWT_AUDIENCE", "statusrelay-api"),
		now:      time.Now,
	}

	port := getEnv("PORT", "8082")
	log.Plain().WithFields(map[string]any{
		"port":   port,
		"kid":    is.keyID,
		"issuer": is.name,
	}).Info("token issuer starting")

	if err := http.ListenAndServe(":"+port, is.routes()); err != nil {
		log.Plain().WithError(err).Fatal("token issuer failed")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// base64UrlEncode encodes without padding, as JWK requires.
func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}

	out := make([]byte, 0, 4)
	for i > 0 {
		out = append([]byte{byte(i & 0xff)}, out...)
		i >>= 8
	}
	return out
}
