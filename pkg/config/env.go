package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "FMQ"

// Env holds device settings taken from the environment. Unset variables
// leave their field nil.
type Env struct {
	ID             *string  `envconfig:"ID"`
	Session        *string  `envconfig:"SESSION"`
	Transport      *string  `envconfig:"TRANSPORT"`
	ShmSegmentSize *uint64  `envconfig:"SHM_SEGMENT_SIZE"`
	Rate           *float64 `envconfig:"RATE"`
	Control        *string  `envconfig:"CONTROL"`
	InitTimeout    *int     `envconfig:"INIT_TIMEOUT"`
	Severity       *string  `envconfig:"SEVERITY"`

	// ChannelConfig holds channel sub-option strings separated by ';'.
	ChannelConfig *string `envconfig:"CHANNEL_CONFIG"`
}

// LoadEnv reads FMQ_* variables.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return &env, nil
}

// Properties returns the settings present in the environment as
// properties.
func (e *Env) Properties() (map[string]any, error) {
	out := make(map[string]any)
	setIf(out, "id", e.ID)
	setIf(out, "session", e.Session)
	setIf(out, "transport", e.Transport)
	setIf(out, "shm-segment-size", e.ShmSegmentSize)
	setIf(out, "rate", e.Rate)
	setIf(out, "control", e.Control)
	setIf(out, "init-timeout", e.InitTimeout)
	setIf(out, "severity", e.Severity)

	if e.ChannelConfig != nil {
		var specs []string
		for s := range strings.SplitSeq(*e.ChannelConfig, ";") {
			if s = strings.TrimSpace(s); s != "" {
				specs = append(specs, s)
			}
		}
		chans, err := ParseChannelConfigs(specs)
		if err != nil {
			return nil, fmt.Errorf("%s_CHANNEL_CONFIG: %w", EnvPrefix, err)
		}
		for k, v := range chans {
			out[k] = v
		}
	}
	return out, nil
}

func setIf[T any](out map[string]any, key string, v *T) {
	if v != nil {
		out[key] = *v
	}
}
