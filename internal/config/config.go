package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// Load loads configuration from multiple sources (priority order, later
// sources win):
//  1. Global config (~/.writebot/)
//  2. Global config (~/.config/writebot/ - XDG compatible)
//  3. Project config (directory and directory/.writebot/)
//  4. WRITEBOT_CONFIG file
//  5. WRITEBOT_CONFIG_CONTENT inline JSON
//  6. Environment variables (including a project .env file)
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	candidates := func(dir string) {
		loadOnce(filepath.Join(dir, "writebot.json"), dir)
		loadOnce(filepath.Join(dir, "writebot.jsonc"), dir)
		loadOnce(filepath.Join(dir, "writebot.yaml"), dir)
		loadOnce(filepath.Join(dir, "writebot.yml"), dir)
	}

	// 1. Dotfile-style global config (~/.writebot/)
	if home := os.Getenv("HOME"); home != "" {
		candidates(filepath.Join(home, ".writebot"))
	}

	// 2. XDG-compatible global config
	candidates(GetPaths().Config)

	// 3. Project config
	if directory != "" {
		candidates(directory)
		candidates(filepath.Join(directory, ".writebot"))
	}

	// 4. WRITEBOT_CONFIG file override
	if configPath := os.Getenv("WRITEBOT_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 5. WRITEBOT_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("WRITEBOT_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 6. Environment variables win over every file source. A project .env
	// is folded into the environment first without clobbering existing
	// variables.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
// The format follows the extension: YAML for .yaml/.yml, JSONC otherwise.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data, baseDir)

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(strings.TrimSpace(string(content)), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target; scalar fields overwrite when set,
// provider maps merge per-field.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Proxy.Base != "" {
		target.Proxy.Base = source.Proxy.Base
	}
	if source.Proxy.Listen != "" {
		target.Proxy.Listen = source.Proxy.Listen
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = mergeProvider(target.Provider[k], v)
		}
	}
}

func mergeProvider(base, over types.ProviderConfig) types.ProviderConfig {
	if over.Type != "" {
		base.Type = over.Type
	}
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.MaxTokens != 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.TimeoutMs != nil {
		base.TimeoutMs = over.TimeoutMs
	}
	if over.Disable {
		base.Disable = true
	}
	return base
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		if config.Provider == nil {
			config.Provider = make(map[string]types.ProviderConfig)
		}
		p := config.Provider[provider]
		if p.APIKey == "" {
			p.APIKey = apiKey
			config.Provider[provider] = p
		}
	}

	if model := os.Getenv("WRITEBOT_MODEL"); model != "" {
		config.Model = model
	}
	if level := os.Getenv("WRITEBOT_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if base := os.Getenv("WRITEBOT_PROXY_BASE"); base != "" {
		config.Proxy.Base = base
	}
	if listen := os.Getenv("WRITEBOT_PROXY_LISTEN"); listen != "" {
		config.Proxy.Listen = listen
	}
}

// Save writes the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
