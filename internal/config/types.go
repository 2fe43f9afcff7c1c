package config

// Config is the root configuration shared by the relay gateway, the
// configuration authority and interactive clients.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`
	Identity  IdentityConfig  `yaml:"identity,omitempty"`
	Agent     AgentConfig     `yaml:"agent,omitempty"`
	Topics    TopicsConfig    `yaml:"topics,omitempty"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`
	Limits    LimitsConfig    `yaml:"limits,omitempty"`
	Models    []string        `yaml:"models,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// GatewayConfig controls the relay HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty"`
	Mode           string           `yaml:"mode,omitempty"` // "local" | "remote"
	Bind           string           `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth      `yaml:"auth,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty"`
	ControlUI      GatewayControlUI `yaml:"controlUi,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
	// AuthorityToken, when set, is required from connections joining in
	// authority mode; the authority dials with it as transport.token.
	AuthorityToken string `yaml:"authorityToken,omitempty"`
	// Rooms limits which rooms may be joined. Empty allows any.
	Rooms []string `yaml:"rooms,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayControlUI configures browser access to the gateway.
type GatewayControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// TransportConfig selects how sessions reach the room.
type TransportConfig struct {
	Kind       string           `yaml:"kind,omitempty"` // "relay" | "webrtc"
	URL        string           `yaml:"url,omitempty"`  // relay websocket URL, also used for webrtc signaling
	Room       string           `yaml:"room,omitempty"`
	Token      string           `yaml:"token,omitempty"`
	Password   string           `yaml:"password,omitempty"`
	ICEServers []ICEServerEntry `yaml:"iceServers,omitempty"`
}

// ICEServerEntry is one STUN or TURN server.
type ICEServerEntry struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// IdentityConfig is how this process appears in the room.
type IdentityConfig struct {
	ID   string `yaml:"id,omitempty"`
	Name string `yaml:"name,omitempty"`
}

// AgentConfig describes the agent whose configuration is synchronized.
type AgentConfig struct {
	// Identity is the room identity of the authority. Clients accept
	// snapshots only from it when set.
	Identity string        `yaml:"identity,omitempty"`
	ID       string        `yaml:"id,omitempty"`
	Name     string        `yaml:"name,omitempty"`
	Defaults AgentDefaults `yaml:"defaults,omitempty"`
}

// AgentDefaults seed agents the authority has never stored.
type AgentDefaults struct {
	ModelType          string   `yaml:"modelType,omitempty"`
	DialogRound        int      `yaml:"dialogRound,omitempty"`
	Temperature        *float64 `yaml:"temperature,omitempty"`
	TopP               *float64 `yaml:"topP,omitempty"`
	OutputLimit        int      `yaml:"outputLimit,omitempty"`
	SystemMessage      string   `yaml:"systemMessage,omitempty"`
	SystemMessageLimit int      `yaml:"systemMessageLimit,omitempty"`
}

// TopicsConfig names the transport topics.
type TopicsConfig struct {
	Config        string `yaml:"config,omitempty"`
	Transcription string `yaml:"transcription,omitempty"`
	Chat          string `yaml:"chat,omitempty"`
}

// SyncConfig tunes patch acknowledgement and draft validation.
type SyncConfig struct {
	AckTimeoutMs    int    `yaml:"ackTimeoutMs,omitempty"`
	MaxRetries      int    `yaml:"maxRetries,omitempty"`
	SweepIntervalMs int    `yaml:"sweepIntervalMs,omitempty"`
	DraftPolicy     string `yaml:"draftPolicy,omitempty"` // "clamp" | "reject" | "pass"
	QueueSize       int    `yaml:"queueSize,omitempty"`
}

// RangeEntry bounds a numeric field.
type RangeEntry struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// LimitsConfig bounds each numeric agent field.
type LimitsConfig struct {
	Temperature        RangeEntry `yaml:"temperature,omitempty"`
	TopP               RangeEntry `yaml:"topP,omitempty"`
	DialogRound        RangeEntry `yaml:"dialogRound,omitempty"`
	OutputLimit        RangeEntry `yaml:"outputLimit,omitempty"`
	SystemMessageLimit RangeEntry `yaml:"systemMessageLimit,omitempty"`
}

// StoreConfig locates the authority database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // empty: <data dir>/agentsync.db
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}
