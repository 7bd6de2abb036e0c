// Package config is the public entry to the daemon's configuration file:
// where it lives, how it is created with the default pipeline and how it
// is loaded and validated.
package config

import (
	"github.com/tauraamui/streamerd/internal/config"
	"github.com/tauraamui/streamerd/pkg/configdef"
)

type CreateResolver interface {
	configdef.CreateResolver
}

func DefaultCreateResolver() CreateResolver {
	return config.DefaultCreateResolver()
}
