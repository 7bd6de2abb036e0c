//go:build !linux
// +build !linux

package probe

import (
	"runtime"

	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/xerror"
)

func Device(path string) (Report, error) {
	return Report{}, xerror.Errorf("%w: probing %s needs v4l2, not available on %s", videoerr.ErrUnsupported, path, runtime.GOOS)
}
