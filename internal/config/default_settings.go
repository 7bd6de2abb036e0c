package config

import "github.com/tauraamui/streamerd/pkg/configdef"

type defaultSettingKey uint

const (
	BACKEND        defaultSettingKey = 0x0
	POLLTIMEOUTMS  defaultSettingKey = 0x1
	DRAINTIMEOUTMS defaultSettingKey = 0x2
	INVALIDFRAMES  defaultSettingKey = 0x3
	BUFFERS        defaultSettingKey = 0x4
)

var defaultSettings = map[defaultSettingKey]interface{}{
	BACKEND:        "v4l2",
	POLLTIMEOUTMS:  2000,
	DRAINTIMEOUTMS: 500,
	INVALIDFRAMES:  "forward",
	BUFFERS:        4,
}

// defaultPipeline is the Raspberry Pi chain: the IMX477 sensor feeding
// the ISP, which scales raw bayer down to RGB for the H.264 encoder.
func defaultPipeline() configdef.Pipeline {
	buffers := defaultSettings[BUFFERS].(int)
	hd := configdef.Rect{Width: 1920, Height: 1080}
	crop, compose := hd, hd
	return configdef.Pipeline{
		Title:          "Raspberry Pi",
		PollTimeoutMS:  defaultSettings[POLLTIMEOUTMS].(int),
		DrainTimeoutMS: defaultSettings[DRAINTIMEOUTMS].(int),
		InvalidFrames:  defaultSettings[INVALIDFRAMES].(string),
		SinkPath:       "out.h264",
		Stages: []configdef.Stage{
			{
				Name:   "sensor",
				Device: "/dev/video0",
				Capture: &configdef.Queue{
					Width: 2028, Height: 1520, PixelFormat: "pBCC", Buffers: buffers, Memory: "mapped",
				},
			},
			{
				Name:   "isp",
				Device: "/dev/video12",
				Output: &configdef.Queue{
					Width: 2028, Height: 1520, PixelFormat: "pBCC", Planes: 1, Buffers: buffers, Memory: "imported", Crop: &crop,
				},
				Capture: &configdef.Queue{
					Width: 1920, Height: 1080, PixelFormat: "RGB3", Planes: 1, Buffers: buffers, Memory: "mapped", Compose: &compose,
				},
			},
			{
				Name:   "encoder",
				Device: "/dev/video11",
				Output: &configdef.Queue{
					Width: 1920, Height: 1080, PixelFormat: "RGB3", Planes: 1, Buffers: buffers, Memory: "imported",
				},
				Capture: &configdef.Queue{
					Width: 1920, Height: 1080, PixelFormat: "H264", Planes: 1, Buffers: buffers, Memory: "mapped",
				},
			},
		},
	}
}
