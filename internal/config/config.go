package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/schaermu/crsyncd/internal/resource"
)

// Defaults applied to unset fields.
const (
	DefaultBranch        = "main"
	DefaultNamespace     = "default"
	DefaultInterval      = time.Minute
	DefaultTimeout       = 2 * time.Minute
	DefaultMaxConcurrent = 4
	DefaultAPIGroup      = "ai-pipeline.org"
	DefaultAPIVersion    = "v1alpha1"
	DefaultCursorBackend = "file"
	DefaultListenAddr    = "127.0.0.1:8787"
)

// Environment types recorded on managed resources.
const (
	EnvWorkspace    = "workspace"
	EnvExploitation = "exploitation"
)

// Config represents the complete crsyncd configuration
type Config struct {
	Repos  []RepoConfig `yaml:"repos"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Kube   KubeConfig   `yaml:"kube"`
	Cursor CursorConfig `yaml:"cursor"`
	Auth   AuthConfig   `yaml:"auth"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RepoConfig configures one configuration repository
type RepoConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Branch    string `yaml:"branch"`
	Namespace string `yaml:"namespace"`
	ConfigDir string `yaml:"config_dir"`
	EnvType   string `yaml:"env_type"`
	// WorkspaceNamespace is the namespace workloads built from this
	// repository's entities run in. Optional.
	WorkspaceNamespace string `yaml:"workspace_namespace"`
}

// Ref returns the immutable repository reference used by the sync pipeline.
func (r RepoConfig) Ref() resource.RepositoryRef {
	return resource.RepositoryRef{
		Name:      r.Name,
		URL:       r.URL,
		Branch:    r.Branch,
		Namespace: r.Namespace,
		EnvType:   r.EnvType,

		WorkspaceNamespace: r.WorkspaceNamespace,
	}
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (r RepoConfig) IsHTTPS() bool {
	return strings.HasPrefix(r.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (r RepoConfig) IsSSH() bool {
	return strings.HasPrefix(r.URL, "git@") || strings.HasPrefix(r.URL, "ssh://")
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Extensions    []string      `yaml:"extensions"`
	Platform      string        `yaml:"platform"`
	// Prune defaults to true when unset.
	Prune *bool `yaml:"prune"`
}

// PruneEnabled reports whether owned resources that are no longer declared
// get deleted.
func (s SyncConfig) PruneEnabled() bool {
	return s.Prune == nil || *s.Prune
}

// KubeConfig configures access to the cluster
type KubeConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	APIGroup   string `yaml:"api_group"`
	APIVersion string `yaml:"api_version"`
}

// CursorConfig selects the scan cursor backend
type CursorConfig struct {
	Backend string `yaml:"backend"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "crsyncd", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Repos {
		r := &c.Repos[i]
		r.URL = os.ExpandEnv(r.URL)
		r.Branch = os.ExpandEnv(r.Branch)
		r.Namespace = os.ExpandEnv(r.Namespace)
		r.ConfigDir = os.ExpandEnv(r.ConfigDir)
		r.WorkspaceNamespace = os.ExpandEnv(r.WorkspaceNamespace)
	}
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Sync.Platform = os.ExpandEnv(c.Sync.Platform)
	c.Kube.Kubeconfig = os.ExpandEnv(c.Kube.Kubeconfig)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	for i := range c.Repos {
		r := &c.Repos[i]
		if r.Branch == "" {
			r.Branch = DefaultBranch
		}
		if r.Namespace == "" {
			r.Namespace = DefaultNamespace
		}
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultTimeout
	}
	if c.Sync.MaxConcurrent == 0 {
		c.Sync.MaxConcurrent = DefaultMaxConcurrent
	}
	for i, ext := range c.Sync.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Sync.Extensions[i] = ext
	}
	if c.Kube.APIGroup == "" {
		c.Kube.APIGroup = DefaultAPIGroup
	}
	if c.Kube.APIVersion == "" {
		c.Kube.APIVersion = DefaultAPIVersion
	}
	if c.Cursor.Backend == "" {
		c.Cursor.Backend = DefaultCursorBackend
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one repository must be configured")
	}

	seen := make(map[string]bool, len(c.Repos))
	for i, r := range c.Repos {
		if r.Name == "" {
			return fmt.Errorf("repos[%d].name is required", i)
		}
		if errs := validation.IsDNS1123Label(r.Name); len(errs) > 0 {
			return fmt.Errorf("repos[%d].name %q is not a valid DNS label: %s", i, r.Name, strings.Join(errs, "; "))
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		seen[r.Name] = true

		if r.URL == "" {
			return fmt.Errorf("repos[%d].url is required", i)
		}
		if errs := validation.IsDNS1123Label(r.Namespace); len(errs) > 0 {
			return fmt.Errorf("repos[%d].namespace %q is not a valid namespace: %s", i, r.Namespace, strings.Join(errs, "; "))
		}
		if r.WorkspaceNamespace != "" {
			if errs := validation.IsDNS1123Label(r.WorkspaceNamespace); len(errs) > 0 {
				return fmt.Errorf("repos[%d].workspace_namespace %q is not a valid namespace: %s", i, r.WorkspaceNamespace, strings.Join(errs, "; "))
			}
		}
		if d := filepath.ToSlash(filepath.Clean(r.ConfigDir)); d == ".." || strings.HasPrefix(d, "../") {
			return fmt.Errorf("repos[%d].config_dir must stay within the repository", i)
		}
		switch r.EnvType {
		case "", EnvWorkspace, EnvExploitation:
			// valid
		default:
			return fmt.Errorf("invalid repos[%d].env_type: %s (must be workspace or exploitation)", i, r.EnvType)
		}

		// When auth is configured, the URL scheme must match
		if c.Auth.SSHKeyFile != "" && !r.IsSSH() {
			return fmt.Errorf("auth.ssh_key_file is set but repos[%d].url does not use an SSH scheme (git@ or ssh://)", i)
		}
		if c.Auth.HTTPSTokenFile != "" && !r.IsHTTPS() {
			return fmt.Errorf("auth.https_token_file is set but repos[%d].url does not use HTTPS scheme", i)
		}
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.Interval < 0 || c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.interval and sync.timeout must be positive")
	}
	if c.Sync.MaxConcurrent < 1 {
		return fmt.Errorf("sync.max_concurrent must be at least 1")
	}

	switch c.Cursor.Backend {
	case "file", "sqlite":
		// valid
	default:
		return fmt.Errorf("invalid cursor.backend: %s (must be file or sqlite)", c.Cursor.Backend)
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Serve.Enabled && c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
	}

	return nil
}

// Repo returns the repository configuration named name.
func (c *Config) Repo(name string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.Name == name {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// ReposDir returns the directory holding the local git mirrors
func (c *Config) ReposDir() string {
	return filepath.Join(c.Paths.StateDir, "repos")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
