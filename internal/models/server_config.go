package models

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string `json:"port,omitzero" yaml:"port"`
	AllowedOrigins string `json:"allowed_origins,omitzero" yaml:"allowed_origins"`
	Environment    string `json:"environment,omitzero" yaml:"environment"`
	LogLevel       string `json:"log_level,omitzero" yaml:"log_level"`

	// ServiceTokenSecret signs the HS256 tokens the job pipeline presents
	// on metering endpoints. Empty disables auth (dev only).
	ServiceTokenSecret string `json:"-" yaml:"service_token_secret"`
}
