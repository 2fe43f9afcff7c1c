package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/agentsync/internal/config"
)

// safeConfigPrefixes lists config path prefixes that can be read and
// written via RPC. All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.mode",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.controlUi",
	"logging",
	"topics",
	"sync",
	"limits",
	"models",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle(MethodHealth, s.rpcHealth)
	s.Handle(MethodConfigGet, s.rpcConfigGet)
	s.Handle(MethodConfigSet, s.rpcConfigSet)
	s.Handle(MethodParticipantsList, s.rpcParticipantsList)
	s.Handle(MethodDataPublish, s.rpcDataPublish)
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
		Rooms:   s.clients.Rooms(),
	}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Milliseconds()
	}
	rc.Respond(resp)
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

type configSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configSetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "cannot modify config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	s.mu.Unlock()

	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

func (s *Server) rpcParticipantsList(rc *RequestContext) {
	members := s.clients.InRoom(rc.Client.Room)
	out := make([]ParticipantInfo, 0, len(members))
	for _, c := range members {
		out = append(out, c.Participant())
	}
	rc.Respond(ParticipantsResult{Room: rc.Client.Room, Participants: out})
}

// rpcDataPublish relays a packet to the other members of the sender's room.
// The sender identity on the relayed event is always the authenticated
// connection's, never a client-supplied value.
func (s *Server) rpcDataPublish(rc *RequestContext) {
	var p DataPublishParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Topic == "" {
		rc.RespondError("invalid_params", "topic is required")
		return
	}

	evt := DataEvent{
		Topic:      p.Topic,
		Payload:    p.Payload,
		Sender:     rc.Client.Identity(),
		SenderName: rc.Client.Info.DisplayName,
		Reliable:   p.Reliable,
	}
	n := s.clients.BroadcastRoom(rc.Client.Room, rc.Client.ConnID, p.To, EventData, evt, s.eventSeq.Add(1))

	s.log.Trace().
		Str("room", rc.Client.Room).
		Str("topic", p.Topic).
		Str("sender", evt.Sender).
		Int("bytes", len(p.Payload)).
		Int("delivered", n).
		Msg("relayed packet")

	rc.Respond(DataPublishResult{Delivered: n})
}
