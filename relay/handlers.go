// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/portal"
	"github.com/atrium-collab/atrium/transport"
)

// maxRequestBytes bounds request bodies. SDP blobs and portal records
// are a few kilobytes; anything near the limit is garbage.
const maxRequestBytes = 1 << 20

// routes builds the /v1 API surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/identity", s.handleIdentity)
	mux.HandleFunc("GET /v1/turn", s.handleTURN)
	mux.HandleFunc("POST /v1/signal/offers", s.handlePublishOffer)
	mux.HandleFunc("GET /v1/signal/offers", s.handlePollOffers)
	mux.HandleFunc("POST /v1/signal/answers", s.handlePublishAnswer)
	mux.HandleFunc("GET /v1/signal/answers", s.handlePollAnswers)
	mux.HandleFunc("POST /v1/portals", s.handleRegisterPortal)
	mux.HandleFunc("GET /v1/portals/{id}", s.handleLookupPortal)
	mux.HandleFunc("GET /v1/connect", s.hub.handleConnect)
	return mux
}

// handleIdentity resolves the bearer token against the configured
// user table.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"missing bearer token")
		return
	}

	id, err := s.identities.Resolve(r.Context(), token)
	if err != nil {
		var apiErr *identity.APIError
		if errors.As(err, &apiErr) {
			s.writeError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message)
			return
		}
		s.logger.Error("identity resolution failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, identity.ErrCodeInternal,
			"identity resolution failed")
		return
	}

	s.logger.Debug("resolved identity", "login", id.Login)
	s.writeJSON(w, http.StatusOK, id)
}

// handleTURN hands out the statically configured TURN credentials.
func (s *Server) handleTURN(w http.ResponseWriter, r *http.Request) {
	turn := s.config.TURN
	if turn == nil {
		s.writeError(w, http.StatusNotFound, identity.ErrCodeNotFound,
			"no TURN server configured")
		return
	}
	s.writeJSON(w, http.StatusOK, transport.TURNCredentials{
		URIs:       turn.URIs,
		Username:   turn.Username,
		Password:   turn.Password,
		TTLSeconds: turn.TTLSeconds,
	})
}

// handlePublishOffer stores an SDP offer in the target's mailbox.
func (s *Server) handlePublishOffer(w http.ResponseWriter, r *http.Request) {
	record, ok := s.decodeSignalRecord(w, r)
	if !ok {
		return
	}
	s.signals.publishOffer(record)
	s.logger.Debug("stored offer", "offerer", record.Offerer, "target", record.Target)
	w.WriteHeader(http.StatusNoContent)
}

// handlePublishAnswer stores an SDP answer in the offerer's mailbox.
func (s *Server) handlePublishAnswer(w http.ResponseWriter, r *http.Request) {
	record, ok := s.decodeSignalRecord(w, r)
	if !ok {
		return
	}
	s.signals.publishAnswer(record)
	s.logger.Debug("stored answer", "offerer", record.Offerer, "target", record.Target)
	w.WriteHeader(http.StatusNoContent)
}

// handlePollOffers returns the offers directed at the target peer.
func (s *Server) handlePollOffers(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"target query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, transport.SignalList{Signals: s.signals.offersFor(target)})
}

// handlePollAnswers returns the answers to offers originated by the
// offerer peer.
func (s *Server) handlePollAnswers(w http.ResponseWriter, r *http.Request) {
	offerer := r.URL.Query().Get("offerer")
	if offerer == "" {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"offerer query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, transport.SignalList{Signals: s.signals.answersFor(offerer)})
}

// handleRegisterPortal publishes a portal in the directory.
func (s *Server) handleRegisterPortal(w http.ResponseWriter, r *http.Request) {
	var record portal.PortalRecord
	if !s.decodeRequest(w, r, &record) {
		return
	}
	if record.PortalID == "" || record.HostPeerID == "" {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"portal_id and host_peer_id are required")
		return
	}

	s.directory.register(record.PortalID, record.HostPeerID)
	s.logger.Info("registered portal",
		"portal_id", record.PortalID,
		"host_peer_id", record.HostPeerID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleLookupPortal resolves a portal ID to its host peer.
func (s *Server) handleLookupPortal(w http.ResponseWriter, r *http.Request) {
	portalID := r.PathValue("id")
	hostPeerID, ok := s.directory.lookup(portalID)
	if !ok {
		s.writeError(w, http.StatusNotFound, identity.ErrCodeNotFound,
			"portal "+portalID+" is not registered")
		return
	}
	s.writeJSON(w, http.StatusOK, portal.PortalRecord{
		PortalID:   portalID,
		HostPeerID: hostPeerID,
	})
}

// decodeSignalRecord reads and validates a signal publication body.
// On failure the error response has been written and ok is false.
func (s *Server) decodeSignalRecord(w http.ResponseWriter, r *http.Request) (transport.SignalRecord, bool) {
	var record transport.SignalRecord
	if !s.decodeRequest(w, r, &record) {
		return transport.SignalRecord{}, false
	}
	if record.Offerer == "" || record.Target == "" || record.SDP == "" {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"offerer, target, and sdp are required")
		return transport.SignalRecord{}, false
	}
	return record, true
}

// decodeRequest parses a JSON request body. On failure the error
// response has been written and the return is false.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, identity.ErrCodeInvalidRequest,
			"malformed request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}

// writeError writes the structured error body shared by every
// rendezvous endpoint.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, identity.APIError{Code: code, Message: message})
}
