package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/duesync/internal/clock"
)

var errBadState = errors.New("invalid or expired OAuth state")

// stateSigner issues OAuth state values binding a user id to an expiry.
// Format: base64url("userID:expiryUnix:nonce") "." base64url(HMAC-SHA256).
type stateSigner struct {
	key   []byte
	ttl   time.Duration
	clock clock.Clock
}

func newStateSigner(secret string, ttl time.Duration, clk clock.Clock) *stateSigner {
	return &stateSigner{key: []byte(secret), ttl: ttl, clock: clk}
}

func (s *stateSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

func (s *stateSigner) Sign(userID int64) string {
	expiry := s.clock.Now().Add(s.ttl).Unix()
	payload := fmt.Sprintf("%d:%d:%s", userID, expiry, uuid.NewString())
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(s.mac(payload))
}

// Verify returns the user id carried by a state issued by Sign.
func (s *stateSigner) Verify(state string) (int64, error) {
	if len(s.key) == 0 {
		return 0, errBadState
	}
	encPayload, encSig, ok := strings.Cut(state, ".")
	if !ok {
		return 0, errBadState
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(encPayload)
	if err != nil {
		return 0, errBadState
	}
	sig, err := enc.DecodeString(encSig)
	if err != nil || !hmac.Equal(sig, s.mac(string(payload))) {
		return 0, errBadState
	}

	parts := strings.SplitN(string(payload), ":", 3)
	if len(parts) != 3 {
		return 0, errBadState
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, errBadState
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || s.clock.Now().Unix() > expiry {
		return 0, errBadState
	}
	return userID, nil
}
