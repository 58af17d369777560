package types

// Config is the resolved application configuration, merged from config
// files and environment variables by internal/config.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Default provider/model selection, "provider/model" form.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Minimum log level: debug|info|warn|error.
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`

	// Proxy holds the local CORS-bypass proxy settings.
	Proxy ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	// Provider configs keyed by provider id.
	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// ProxyConfig configures the local proxy used as the transport's sticky
// network-failure fallback, and the address the companion proxy binary
// listens on.
type ProxyConfig struct {
	// Base is the proxy origin, e.g. "http://127.0.0.1:8765". The
	// transport rewrites failed direct requests to
	// {Base}/api/proxy?target=<url-encoded original URL>.
	Base string `json:"base,omitempty" yaml:"base,omitempty"`

	// Listen is the bind address for the proxy binary.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// ProviderConfig holds configuration for one provider.
type ProviderConfig struct {
	// Type selects the wire protocol: "openai"|"anthropic"|"gemini".
	// Defaults to the provider id when empty.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`

	// Model is the default model id for this provider.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	MaxTokens int `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`

	// TimeoutMs overrides the transport's per-attempt deadline. nil means
	// the default, 0 disables the deadline.
	TimeoutMs *int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Disable this provider.
	Disable bool `json:"disable,omitempty" yaml:"disable,omitempty"`
}
