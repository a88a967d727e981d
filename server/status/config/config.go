package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/pflag"
)

type AdminConfig struct {
	// URL is the node admin server URL.
	URL string `json:"url" yaml:"url"`
}

func (c *AdminConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

type Config struct {
	Admin AdminConfig `json:"admin" yaml:"admin"`
}

func (c *Config) Validate() error {
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Admin.URL,
		"admin.url",
		"http://localhost:8102",
		`
Node admin server URL.`,
	)
}
