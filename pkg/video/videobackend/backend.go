package videobackend

import (
	"github.com/tauraamui/streamerd/pkg/video/device"
)

type Backend = device.Backend

func Default() Backend {
	return V4L2()
}

func Resolve(t string) Backend {
	switch t {
	case "mock":
		return Mock()
	default:
		return Default()
	}
}
