//go:build linux
// +build linux

package probe

import (
	"github.com/blackjack/webcam"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/xerror"
)

type formatLister interface {
	GetSupportedFormats() map[webcam.PixelFormat]string
	GetSupportedFrameSizes(webcam.PixelFormat) []webcam.FrameSize
	Close() error
}

var openDevice = func(path string) (formatLister, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

// Device opens path just long enough to enumerate its pixel formats and the
// frame sizes of each.
func Device(path string) (Report, error) {
	cam, err := openDevice(path)
	if err != nil {
		return Report{}, xerror.Errorf("%w: %s: %v", videoerr.ErrNotAVideoDevice, path, err)
	}
	defer cam.Close()

	report := Report{Path: path}
	for code, description := range cam.GetSupportedFormats() {
		f := Format{Code: device.FourCC(code), Description: description}
		for _, size := range cam.GetSupportedFrameSizes(code) {
			f.Sizes = append(f.Sizes, FrameSize{
				MinWidth: size.MinWidth, MaxWidth: size.MaxWidth, StepWidth: size.StepWidth,
				MinHeight: size.MinHeight, MaxHeight: size.MaxHeight, StepHeight: size.StepHeight,
			})
		}
		report.Formats = append(report.Formats, f)
	}
	sortFormats(report.Formats)
	return report, nil
}
