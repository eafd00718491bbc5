// ABOUTME: Loads server-list configuration from YAML files and merges local
// ABOUTME: and global scopes with local entries winning on name collisions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/conduit/transport"
)

// File is the on-disk shape of one configuration scope.
type File struct {
	Servers []Server `yaml:"servers"`
}

// Server is one configured endpoint. Command applies to stdio transports,
// URL to sse.
type Server struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Timeout   duration          `yaml:"timeout,omitempty"`
}

// duration lets YAML carry Go duration strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// Load reads one scope file and validates its entries, preserving order.
func Load(path string) ([]transport.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	configs := make([]transport.Config, 0, len(file.Servers))
	for i, s := range file.Servers {
		cfg, err := s.toTransport()
		if err != nil {
			return nil, fmt.Errorf("config %s: server %d: %w", path, i, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadScopes loads the local and global scope files and concatenates them
// local-first, so the manager's first-occurrence-wins deduplication gives
// local entries precedence. A missing file contributes nothing; an unreadable
// or invalid one is an error.
func LoadScopes(localPath, globalPath string) ([]transport.Config, error) {
	var merged []transport.Config
	for _, path := range []string{localPath, globalPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		configs, err := Load(path)
		if err != nil {
			return nil, err
		}
		merged = append(merged, configs...)
	}
	return merged, nil
}

func (s Server) toTransport() (transport.Config, error) {
	if s.Name == "" {
		return transport.Config{}, fmt.Errorf("server name is required")
	}
	kind := transport.Kind(s.Transport)
	switch kind {
	case "", transport.KindStdio:
		kind = transport.KindStdio
		if s.Command == "" {
			return transport.Config{}, fmt.Errorf("server %q: stdio transport requires a command", s.Name)
		}
	case transport.KindSSE:
		if s.URL == "" {
			return transport.Config{}, fmt.Errorf("server %q: sse transport requires a url", s.Name)
		}
	default:
		return transport.Config{}, fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}
	return transport.Config{
		Name:    s.Name,
		Kind:    kind,
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		URL:     s.URL,
		Timeout: time.Duration(s.Timeout),
	}, nil
}
