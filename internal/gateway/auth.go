package gateway

import (
	"crypto/subtle"
	"os"
	"slices"

	"github.com/soyeahso/agentsync/internal/config"
)

// Join modes a connection can announce in ClientInfo.Mode.
const (
	ModeClient    = "client"
	ModeAuthority = "authority"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password" | "authority"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the relay's effective credentials and room policy.
type ResolvedAuth struct {
	Mode           string
	Token          string
	Password       string
	AuthorityToken string
	Rooms          []string
}

// ResolveAuth resolves credentials from config, then AGENTSYNC_GATEWAY_*
// environment variables.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:           cfg.Mode,
		Token:          cfg.Token,
		Password:       cfg.Password,
		AuthorityToken: cfg.AuthorityToken,
		Rooms:          cfg.Rooms,
	}
	if auth.Token == "" {
		auth.Token = os.Getenv("AGENTSYNC_GATEWAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("AGENTSYNC_GATEWAY_PASSWORD")
	}
	if auth.AuthorityToken == "" {
		auth.AuthorityToken = os.Getenv("AGENTSYNC_GATEWAY_AUTHORITY_TOKEN")
	}

	if auth.Mode == "" {
		if auth.Password != "" {
			auth.Mode = "password"
		} else {
			auth.Mode = "token"
		}
	}
	return auth
}

// Authorize checks the provided ConnectAuth against the relay credentials.
func Authorize(serverAuth ResolvedAuth, clientAuth *ConnectAuth) AuthResult {
	if clientAuth == nil {
		return AuthResult{OK: false, Reason: "no credentials provided"}
	}

	switch serverAuth.Mode {
	case "token":
		if serverAuth.Token == "" {
			return AuthResult{OK: false, Reason: "server token not configured"}
		}
		if clientAuth.Token == "" {
			return AuthResult{OK: false, Reason: "token required"}
		}
		if !safeEqual(clientAuth.Token, serverAuth.Token) {
			return AuthResult{OK: false, Reason: "token_mismatch"}
		}
		return AuthResult{OK: true, Method: "token"}

	case "password":
		if serverAuth.Password == "" {
			return AuthResult{OK: false, Reason: "server password not configured"}
		}
		if clientAuth.Password == "" {
			return AuthResult{OK: false, Reason: "password required"}
		}
		if !safeEqual(clientAuth.Password, serverAuth.Password) {
			return AuthResult{OK: false, Reason: "password_mismatch"}
		}
		return AuthResult{OK: true, Method: "password"}

	default:
		return AuthResult{OK: false, Reason: "unknown auth mode: " + serverAuth.Mode}
	}
}

// AuthorizeJoin admits a participant into room. The room must be allowed,
// and an authority must present the authority token when one is configured.
// Everyone else goes through Authorize.
func AuthorizeJoin(serverAuth ResolvedAuth, room, mode string, clientAuth *ConnectAuth) AuthResult {
	if len(serverAuth.Rooms) > 0 && !slices.Contains(serverAuth.Rooms, room) {
		return AuthResult{OK: false, Reason: "room_not_allowed"}
	}

	switch mode {
	case "", ModeClient:
		return Authorize(serverAuth, clientAuth)
	case ModeAuthority:
	default:
		return AuthResult{OK: false, Reason: "unknown join mode: " + mode}
	}

	if serverAuth.AuthorityToken == "" {
		return Authorize(serverAuth, clientAuth)
	}
	if clientAuth == nil || clientAuth.Token == "" {
		return AuthResult{OK: false, Reason: "authority token required"}
	}
	if !safeEqual(clientAuth.Token, serverAuth.AuthorityToken) {
		return AuthResult{OK: false, Reason: "authority_token_mismatch"}
	}
	return AuthResult{OK: true, Method: "authority"}
}

// safeEqual compares in constant time, including when lengths differ.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
