//go:build !linux
// +build !linux

package videobackend

import (
	"runtime"

	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/xerror"
)

func V4L2() Backend {
	return &v4l2Backend{}
}

type v4l2Backend struct{}

func (b *v4l2Backend) Name() string { return "v4l2" }

func (b *v4l2Backend) Open(path string) (device.Device, error) {
	return nil, xerror.Errorf("%w: v4l2 devices are not available on %s", videoerr.ErrUnsupported, runtime.GOOS)
}

func (b *v4l2Backend) NewPoller(devices ...device.Device) (device.Poller, error) {
	return nil, xerror.Errorf("%w: v4l2 devices are not available on %s", videoerr.ErrUnsupported, runtime.GOOS)
}
