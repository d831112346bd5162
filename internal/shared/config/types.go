package config

import "fmt"

type ServerConfig struct {
	Host      string `mapstructure:"host"`
	AgentPort int    `mapstructure:"agent_port" validate:"min=1,max=65535"`
	PeerPort  int    `mapstructure:"peer_port" validate:"min=1,max=65535"`
	Mode      string `mapstructure:"mode"`
}

func (s *ServerConfig) AgentAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.AgentPort)
}

func (s *ServerConfig) PeerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.PeerPort)
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type IdentityConfig struct {
	PersistPath    string `mapstructure:"persist_path"`
	NodeIdentifier string `mapstructure:"node_identifier"`
	CrashOnCorrupt bool   `mapstructure:"crash_on_corrupt"`
}

type AuthConfig struct {
	Order                []string `mapstructure:"order" validate:"min=1"`
	TimeoutMS            int      `mapstructure:"timeout_ms" validate:"min=1"`
	MaxTries             int      `mapstructure:"max_tries" validate:"min=1"`
	AllowUntrustedAgents bool     `mapstructure:"allow_untrusted_agents"`
}

type TrustConfig struct {
	TrustedAgentsFile string `mapstructure:"trusted_agents_file"`
	TrustedPeersFile  string `mapstructure:"trusted_peers_file"`
	CacheTTLSeconds   int    `mapstructure:"cache_ttl_seconds" validate:"min=1"`
}

type SpamConfig struct {
	WindowSeconds       int `mapstructure:"window_seconds" validate:"min=1"`
	MessageLimit        int `mapstructure:"message_limit" validate:"min=1"`
	DisconnectThreshold int `mapstructure:"disconnect_threshold" validate:"min=1"`
}

type AgentConfig struct {
	ConnectTimeoutSeconds     int `mapstructure:"connect_timeout_seconds" validate:"min=1"`
	SweepIntervalSeconds      int `mapstructure:"sweep_interval_seconds" validate:"min=1"`
	ResumeGraceSeconds        int `mapstructure:"resume_grace_seconds" validate:"min=1"`
	MaxErrorsBeforeDisconnect int `mapstructure:"max_errors_before_disconnect" validate:"min=1"`
	ErrorResetWindowMS        int `mapstructure:"error_reset_window_ms" validate:"min=1"`
}

type GroupConfig struct {
	MaxMsgTypesPerGroup int `mapstructure:"max_msg_types_per_group" validate:"min=1"`
}
