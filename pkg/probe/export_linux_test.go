//go:build linux
// +build linux

package probe

import "github.com/blackjack/webcam"

type FakeDevice struct {
	Formats map[webcam.PixelFormat]string
	Sizes   map[webcam.PixelFormat][]webcam.FrameSize
	Closed  bool
}

func (d *FakeDevice) GetSupportedFormats() map[webcam.PixelFormat]string { return d.Formats }

func (d *FakeDevice) GetSupportedFrameSizes(f webcam.PixelFormat) []webcam.FrameSize {
	return d.Sizes[f]
}

func (d *FakeDevice) Close() error {
	d.Closed = true
	return nil
}

func OverloadOpenDevice(overload func(string) (*FakeDevice, error)) func() {
	openDeviceRef := openDevice
	openDevice = func(path string) (formatLister, error) {
		d, err := overload(path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return func() { openDevice = openDeviceRef }
}
