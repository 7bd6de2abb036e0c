package config

import (
	"github.com/tauraamui/streamerd/internal/config"
	"github.com/tauraamui/streamerd/pkg/configdef"
)

type Creator interface {
	configdef.Creator
}

func DefaultCreator() Creator {
	return config.DefaultCreator()
}
