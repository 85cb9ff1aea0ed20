// Package auth authenticates inbound connections and carries the
// resulting Principal — permissions and credit allowance — through to
// the session and flow-control layers, generalized from the teacher's
// flat Claims{UserID,Username,Role} shape.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Claims is the JWT claim set a HAIP access token carries. Permissions
// maps an event type to the channels a principal may use it on; an
// event type absent from the map is denied on every channel.
type Claims struct {
	PrincipalID     string                      `json:"principal_id"`
	Permissions     map[wire.EventType][]wire.Channel `json:"permissions"`
	CreditMessages  uint64                      `json:"credit_messages"`
	CreditBytes     uint64                      `json:"credit_bytes"`
	jwt.RegisteredClaims
}

// Principal returns the runtime Principal described by these claims.
func (c *Claims) Principal() *Principal {
	allowed := make(map[wire.EventType]map[wire.Channel]bool, len(c.Permissions))
	for eventType, channels := range c.Permissions {
		set := make(map[wire.Channel]bool, len(channels))
		for _, ch := range channels {
			set[ch] = true
		}
		allowed[eventType] = set
	}
	return &Principal{
		ID:             c.PrincipalID,
		Permissions:    allowed,
		CreditMessages: c.CreditMessages,
		CreditBytes:    c.CreditBytes,
	}
}

// Principal is the authenticated identity attached to a session: who
// they are, which (event type, channel) pairs they may emit, and the
// flow-control allowance they start with (spec §3, §6).
type Principal struct {
	ID             string
	Permissions    map[wire.EventType]map[wire.Channel]bool
	CreditMessages uint64
	CreditBytes    uint64
}

// Allowed reports whether this principal may emit eventType on channel.
// An event type with no entry in Permissions is denied by default;
// HAI/PING/PONG/ERROR/FLOW_UPDATE are granted unconditionally since
// they're required for the protocol handshake and liveness to function
// regardless of any specific grant.
func (p *Principal) Allowed(eventType wire.EventType, channel wire.Channel) bool {
	switch eventType {
	case wire.EventHAI, wire.EventPing, wire.EventPong, wire.EventError, wire.EventFlowUpdate:
		return true
	}
	channels, ok := p.Permissions[eventType]
	if !ok {
		return false
	}
	return channels[channel] || channels[wildcardChannel]
}

// wildcardChannel is the permission-grant sentinel meaning "any
// channel", per Open Question decision #2.
const wildcardChannel wire.Channel = "*"

// allEventTypes lists every core and reserved event type, used to build
// an unrestricted Principal for deployments that run with
// Auth.RequireAuth disabled (local development, the teacher's own
// default config).
var allEventTypes = []wire.EventType{
	wire.EventHAI, wire.EventPing, wire.EventPong, wire.EventError,
	wire.EventFlowUpdate, wire.EventTransactionStart, wire.EventTransactionEnd,
	wire.EventReplayRequest, wire.EventMessageStart, wire.EventMessagePart,
	wire.EventMessageEnd, wire.EventAudioChunk, wire.EventInfo,
	wire.EventToolList, wire.EventToolSchema,
	wire.EventRunStart, wire.EventRunCancel, wire.EventRunError,
	wire.EventToolCallProgress, wire.EventPauseChannel, wire.EventResumeChannel,
}

// AllPermissive returns a Principal granted every event type on every
// channel, for use when Auth.RequireAuth is false.
func AllPermissive(id string, creditMessages, creditBytes uint64) *Principal {
	allowed := make(map[wire.EventType]map[wire.Channel]bool, len(allEventTypes))
	for _, t := range allEventTypes {
		allowed[t] = map[wire.Channel]bool{wildcardChannel: true}
	}
	return &Principal{
		ID:             id,
		Permissions:    allowed,
		CreditMessages: creditMessages,
		CreditBytes:    creditBytes,
	}
}

// JWTManager issues and verifies HS256-signed access tokens.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate issues a token for principalID carrying the given permission
// grant and credit allowance.
func (manager *JWTManager) Generate(principalID string, permissions map[wire.EventType][]wire.Channel, creditMessages, creditBytes uint64) (string, error) {
	claims := &Claims{
		PrincipalID:    principalID,
		Permissions:    permissions,
		CreditMessages: creditMessages,
		CreditBytes:    creditBytes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "haip-gateway",
			Subject:   principalID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.secretKey)
}

// Verify validates the JWT token and returns its claims.
func (manager *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return manager.secretKey, nil
		},
	)

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ExtractTokenFromHeader extracts a JWT from the Authorization header.
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery extracts a JWT from the "token" query parameter,
// the common path for WebSocket/SSE clients that can't set headers.
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}

// Authenticate extracts and verifies a token from r, preferring the
// query parameter (websocket/SSE upgrade requests can't set headers)
// and falling back to the Authorization header, then returns the
// resulting Principal. This is the authenticator callback referenced by
// the transport/server layer (spec §3's "authenticator callback").
func (manager *JWTManager) Authenticate(r *http.Request) (*Principal, error) {
	token, err := ExtractTokenFromQuery(r)
	if err != nil {
		token, err = ExtractTokenFromHeader(r)
		if err != nil {
			return nil, fmt.Errorf("no valid token found: %w", err)
		}
	}

	claims, err := manager.Verify(token)
	if err != nil {
		return nil, err
	}
	return claims.Principal(), nil
}

// AuthMiddleware wraps an HTTP handler with JWT authentication, storing
// the resulting Principal in the request context.
func (manager *JWTManager) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := manager.Authenticate(r)
		if err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := SetPrincipalContext(r.Context(), principal)
		next(w, r.WithContext(ctx))
	}
}
