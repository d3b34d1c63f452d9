package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"copytrade-relay/pkg/db"
)

// FollowerDoc is one follower's non-secret config, the YAML shape an
// operator edits in bulk outside the HTTP command surface. Credentials
// never round-trip through this format: they stay encrypted in pkg/db and
// are only ever set via the authenticated PUT /followers/:id endpoint.
// Grounded on the teacher's strategy.Config/ConfigFile YAML shape
// (cmd/trading-core/internal/strategy/config_loader.go), repurposed from
// strategy definitions to follower definitions.
type FollowerDoc struct {
	ID              int     `yaml:"id"`
	Name            string  `yaml:"name"`
	Proxy           string  `yaml:"proxy,omitempty"`
	Coef            float64 `yaml:"coef"`
	Leverage        int     `yaml:"leverage,omitempty"`
	MarginMode      int     `yaml:"margin_mode,omitempty"`
	MaxPositionSize float64 `yaml:"max_position_size,omitempty"`
	RandomSizePctLo float64 `yaml:"random_size_pct_lo,omitempty"`
	RandomSizePctHi float64 `yaml:"random_size_pct_hi,omitempty"`
	DelayMsLo       float64 `yaml:"delay_ms_lo,omitempty"`
	DelayMsHi       float64 `yaml:"delay_ms_hi,omitempty"`
	Enabled         bool    `yaml:"enabled"`
}

// FollowersFile is the top-level YAML document, mirroring the teacher's
// ConfigFile{Strategies: [...]} wrapper.
type FollowersFile struct {
	Followers []FollowerDoc `yaml:"followers"`
}

// DumpFollowersYAML renders follower rows (minus credentials) for an
// operator to inspect or bulk-edit offline.
func DumpFollowersYAML(rows []db.FollowerRow) ([]byte, error) {
	file := FollowersFile{Followers: make([]FollowerDoc, 0, len(rows))}
	for _, r := range rows {
		file.Followers = append(file.Followers, FollowerDoc{
			ID: r.ID, Name: r.Name, Proxy: r.Proxy, Coef: r.Coef,
			Leverage: r.Leverage, MarginMode: r.MarginMode, MaxPositionSize: r.MaxPositionSize,
			RandomSizePctLo: r.RandomSizePctLo, RandomSizePctHi: r.RandomSizePctHi,
			DelayMsLo: r.DelayMsLo, DelayMsHi: r.DelayMsHi, Enabled: r.Enabled,
		})
	}
	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("marshal followers yaml: %w", err)
	}
	return out, nil
}

// LoadFollowersYAML parses a bulk-edited followers document. Credentials
// are never part of this format; callers apply the returned docs against
// existing rows and leave APIKeyEncrypted/APISecretEncrypted untouched.
func LoadFollowersYAML(data []byte) ([]FollowerDoc, error) {
	var file FollowersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal followers yaml: %w", err)
	}
	return file.Followers, nil
}
