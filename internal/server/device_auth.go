package server

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

const (
	deviceCodeTTL      = 10 * time.Minute
	deviceCodePollStep = 5 * time.Second
	userCodeAlphabet   = "BCDFGHJKLMNPQRSTVWXZ23456789" // no vowels, no ambiguous digits
	userCodeLength     = 8
)

// deviceAuthorization is one pending CLI sign-in, the external contract of
// spec.md §6's device-authorization endpoints. Grounded on the in-memory
// bounded-TTL map pattern of auth/session_store.go's cache-backed records,
// adapted to a plain map since a device code's lifetime is minutes, not a
// session's hours.
type deviceAuthorization struct {
	deviceCode string
	userCode   string
	expiresAt  time.Time
	lastPollAt time.Time

	approved bool
	userID   string
	email    string
	role     string
}

// deviceCodeStore holds pending device authorizations, swept lazily on
// lookup rather than on a ticker since the volume is low and each entry is
// tiny.
type deviceCodeStore struct {
	mu      sync.Mutex
	byCode  map[string]*deviceAuthorization
	byUser  map[string]*deviceAuthorization
}

func newDeviceCodeStore() *deviceCodeStore {
	return &deviceCodeStore{
		byCode: make(map[string]*deviceAuthorization),
		byUser: make(map[string]*deviceAuthorization),
	}
}

func (d *deviceCodeStore) create() (*deviceAuthorization, error) {
	userCode, err := randomUserCode()
	if err != nil {
		return nil, err
	}
	rec := &deviceAuthorization{
		deviceCode: uuid.NewString(),
		userCode:   userCode,
		expiresAt:  time.Now().Add(deviceCodeTTL),
	}

	d.mu.Lock()
	d.byCode[rec.deviceCode] = rec
	d.byUser[rec.userCode] = rec
	d.mu.Unlock()
	return rec, nil
}

func (d *deviceCodeStore) get(deviceCode string) (*deviceAuthorization, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byCode[deviceCode]
	if !ok {
		return nil, false
	}
	if time.Now().After(rec.expiresAt) {
		delete(d.byCode, rec.deviceCode)
		delete(d.byUser, rec.userCode)
		return nil, false
	}
	return rec, true
}

// Approve marks the device/user-code pair as authorized for identity,
// called by the (out-of-scope) browser verification page's backing API.
func (d *deviceCodeStore) approve(userCode, userID, email, role string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byUser[userCode]
	if !ok || time.Now().After(rec.expiresAt) {
		return false
	}
	rec.approved = true
	rec.userID = userID
	rec.email = email
	rec.role = role
	return true
}

func randomUserCode() (string, error) {
	buf := make([]byte, userCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// handleDeviceAuthorize implements POST /device/authorize: issues a
// device_code/user_code pair for the CLI to display and poll.
func (s *Server) handleDeviceAuthorize(c *gin.Context) {
	rec, err := s.devices.create()
	if err != nil {
		writeProtoError(c, errors.InternalError("failed to issue device code"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_code":               rec.deviceCode,
		"user_code":                 rec.userCode,
		"verification_uri":          "/device",
		"verification_uri_complete": "/device?user_code=" + rec.userCode,
		"expires_in":                int(deviceCodeTTL.Seconds()),
		"interval":                  int(deviceCodePollStep.Seconds()),
	})
}

// handleDeviceToken implements POST /device/token: the CLI polls this with
// its device_code until the pairing is approved, expires, or the CLI polls
// too fast.
func (s *Server) handleDeviceToken(c *gin.Context) {
	var body struct {
		DeviceCode string `json:"device_code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.DeviceCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rec, ok := s.devices.get(body.DeviceCode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expired_token"})
		return
	}

	now := time.Now()
	if !rec.lastPollAt.IsZero() && now.Sub(rec.lastPollAt) < deviceCodePollStep {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slow_down"})
		return
	}
	rec.lastPollAt = now

	if !rec.approved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization_pending"})
		return
	}

	accessToken, expiry, err := s.jwt.GenerateToken(rec.userID, rec.email, rec.role)
	if err != nil {
		writeProtoError(c, errors.InternalError("failed to issue access token"))
		return
	}
	refreshToken := uuid.NewString()

	s.audit.Append(models.AuditEvent{Kind: models.AuditAuthLogin, ActorUserID: rec.userID})

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(expiry).Seconds()),
	})
}

// handleCLIRefresh implements POST /cli/refresh: re-issues an access token
// given one that still verifies. No refresh-threshold check is applied; any
// valid token is exchanged, however far it is from expiry.
func (s *Server) handleCLIRefresh(c *gin.Context) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AccessToken == "" {
		writeProtoError(c, errors.ValidationFailed("access_token is required"))
		return
	}

	identity, err := s.verifier.Verify(c.Request.Context(), body.AccessToken)
	if err != nil {
		writeProtoError(c, errors.TokenExpired())
		return
	}

	accessToken, expiry, err := s.jwt.GenerateToken(identity.UserID, identity.Email, identity.Role)
	if err != nil {
		writeProtoError(c, errors.InternalError("failed to refresh token"))
		return
	}

	s.audit.Append(models.AuditEvent{Kind: models.AuditAuthTokenRefresh, ActorUserID: identity.UserID})
	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(expiry).Seconds()),
	})
}

// handleCLIValidate implements POST /cli/validate: a cheap liveness check
// for a CLI-held token, used before attempting a privileged operation.
func (s *Server) handleCLIValidate(c *gin.Context) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AccessToken == "" {
		writeProtoError(c, errors.ValidationFailed("access_token is required"))
		return
	}

	identity, err := s.verifier.Verify(c.Request.Context(), body.AccessToken)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "userId": identity.UserID, "role": identity.Role})
}

// handleCLIRevoke implements POST /cli/revoke: asks the session store to
// revoke the token's user's sessions and records an audit event. Connected
// sockets stay open, and the token manager's refresh cycle does not consult
// the session store.
func (s *Server) handleCLIRevoke(c *gin.Context) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AccessToken == "" {
		writeProtoError(c, errors.ValidationFailed("access_token is required"))
		return
	}

	identity, err := s.verifier.Verify(c.Request.Context(), body.AccessToken)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"revoked": false})
		return
	}

	if s.sessions != nil {
		s.sessions.RevokeAllForUser(c.Request.Context(), identity.UserID)
	}
	s.audit.Append(models.AuditEvent{Kind: models.AuditAuthLogin, ActorUserID: identity.UserID, Details: map[string]interface{}{"action": "revoke"}})
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
