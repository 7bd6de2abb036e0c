package config

import (
	"github.com/tauraamui/streamerd/internal/config"
	"github.com/tauraamui/streamerd/pkg/configdef"
)

type Resolver interface {
	configdef.Resolver
}

func DefaultResolver() Resolver {
	return config.DefaultResolver()
}
