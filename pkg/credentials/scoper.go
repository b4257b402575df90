// Package credentials builds short-lived, session-tagged tool handles.
// The scoper is the single trusted place where the memory-service secret,
// the session-isolation tag and the caller tag are assembled. Workers only
// ever receive the finished handle; they never see raw secret material and
// cannot rewrite the session tag.
package credentials

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid credential token")
	ErrTokenExpired = errors.New("credential token expired")
)

// DefaultTTL bounds a handle's lifetime to roughly one worker invocation.
const DefaultTTL = 2 * time.Minute

// Handle is the ephemeral per-(session, caller) credential injected into a
// worker invocation. Never persisted.
type Handle struct {
	Token      string
	SessionTag string
	Caller     string
}

// Claims are the verified contents of a handle token.
type Claims struct {
	SessionTag string `json:"session_tag"`
	Caller     string `json:"caller"`
	jwt.RegisteredClaims
}

// Scoper mints and verifies session credential handles.
type Scoper struct {
	secret []byte
	ttl    time.Duration
}

// NewScoper creates a scoper. An empty secret generates a random one,
// which is fine for a single-process deployment.
func NewScoper(secret []byte) *Scoper {
	if len(secret) == 0 {
		secret = randomSecret()
	}
	return &Scoper{secret: secret, ttl: DefaultTTL}
}

// SessionTag derives the isolation tag for a session. The tag is an HMAC
// of the session id under the service secret, so a worker that knows its
// own session id still cannot compute another session's tag.
func (s *Scoper) SessionTag(sessionID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("session-tag:" + sessionID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Scope builds a handle for one invocation on behalf of caller.
func (s *Scoper) Scope(sessionID, caller string) (Handle, error) {
	if sessionID == "" {
		return Handle{}, fmt.Errorf("session id cannot be empty")
	}
	tag := s.SessionTag(sessionID)
	now := time.Now()

	claims := Claims{
		SessionTag: tag,
		Caller:     caller,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Handle{}, fmt.Errorf("signing credential token: %w", err)
	}

	return Handle{Token: token, SessionTag: tag, Caller: caller}, nil
}

// Verify checks a bearer token and returns its claims. A tampered session
// tag fails the signature check here, which is what makes the tag
// non-forgeable at the memory-service boundary.
func (s *Scoper) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verifier is the subset of the scoper the memory service needs.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generating credential secret: %v", err))
	}
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(b)))
	base64.RawStdEncoding.Encode(out, b)
	return out
}
