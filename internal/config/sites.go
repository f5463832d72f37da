package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"promo-code-engine/internal/models"
	"promo-code-engine/internal/validation"
)

// ErrNoSites is returned when the registry file lists no sites.
var ErrNoSites = errors.New("config: no sites configured")

type sitesFile struct {
	Sites []models.Site `yaml:"sites"`
}

// LoadSites reads the site registry file. A site's host_url_env, when set
// and present in the environment, replaces its host_url.
func LoadSites(path string) ([]models.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}
	return ParseSites(data)
}

// ParseSites decodes and validates a site registry document.
func ParseSites(data []byte) ([]models.Site, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file sitesFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse sites file: %w", err)
	}
	if len(file.Sites) == 0 {
		return nil, ErrNoSites
	}

	seen := make(map[string]bool, len(file.Sites))
	for i := range file.Sites {
		site := &file.Sites[i]
		if site.HostURLEnv != "" {
			if v := os.Getenv(site.HostURLEnv); v != "" {
				site.HostURL = v
			}
		}
		if err := validation.ValidateSite(*site); err != nil {
			return nil, err
		}
		if seen[site.Name] {
			return nil, fmt.Errorf("duplicate site %q", site.Name)
		}
		seen[site.Name] = true
	}
	return file.Sites, nil
}
