package config

import (
	"github.com/tauraamui/streamerd/internal/config"
	"github.com/tauraamui/streamerd/pkg/configdef"
)

type Destroyer interface {
	configdef.Destroyer
}

func DefaultDestroyer() Destroyer {
	return config.DefaultDestroyer()
}
