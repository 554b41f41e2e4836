package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/codec"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/logger"
	"github.com/fleetctl/controlplane/internal/models"
	"github.com/fleetctl/controlplane/internal/tokenmanager"
)

// RunTokenEvents drains tokens.Events() until the channel closes, translating
// each lifecycle event into wire behavior per tokenmanager.Event's own doc
// comment: EventUpdated becomes a TOKEN_REFRESH frame pushed to the still-live
// socket, EventPermanentlyFailed closes it with a reauthenticate reason.
// Runs in its own goroutine for the server's lifetime, grounded on the
// teacher's hub.go pattern of one dedicated goroutine per event channel.
func (s *Server) RunTokenEvents() {
	for ev := range s.tokens.Events() {
		switch ev.Kind {
		case tokenmanager.EventUpdated:
			s.sendTokenRefresh(ev)
		case tokenmanager.EventPermanentlyFailed:
			s.closeForReauth(ev.ConnectionID)
		}
	}
}

func (s *Server) sendTokenRefresh(ev tokenmanager.Event) {
	env, err := codec.EncodePayload(models.TypeTokenRefresh, uuid.NewString(), time.Now().UnixMilli(), models.TokenRefreshPayload{
		AccessToken:  ev.AccessToken,
		ExpiresIn:    ev.ExpiresIn,
		RefreshToken: ev.RefreshToken,
	})
	if err != nil {
		logger.TokenManager().Error().Err(err).Str("connId", ev.ConnectionID).Msg("failed to encode TOKEN_REFRESH")
		return
	}
	frame, err := s.codec.Encode(env)
	if err != nil {
		logger.TokenManager().Error().Err(err).Str("connId", ev.ConnectionID).Msg("failed to serialize TOKEN_REFRESH")
		return
	}
	if err := s.pool.SendTo(ev.ConnectionID, frame); err != nil {
		logger.TokenManager().Warn().Err(err).Str("connId", ev.ConnectionID).Msg("failed to deliver TOKEN_REFRESH")
	}
}

func (s *Server) closeForReauth(connID string) {
	s.sendError(connID, errors.AuthenticationFailed("reauthenticate"))
	s.pool.CloseConnection(connID)
	s.forgetIdentity(connID)
	s.tokens.Forget(connID)
	s.heartbeat.Forget(connID)
}
