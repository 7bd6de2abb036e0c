//go:build linux
// +build linux

package videobackend

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layouts follow include/uapi/linux/videodev2.h. Unions holding a pointer
// or unsigned long are declared as uintptr so the same structs have the
// kernel's size on both 32 and 64 bit targets.

const ptrSize = unsafe.Sizeof(uintptr(0))

const (
	bufTypeVideoCapture       = 1
	bufTypeVideoOutput        = 2
	bufTypeVideoCaptureMplane = 9
	bufTypeVideoOutputMplane  = 10

	memoryMMAP   = 1
	memoryDMABUF = 4

	fieldNone = 1

	bufFlagError = 0x00000040

	capVideoCapture       = 0x00000001
	capVideoOutput        = 0x00000002
	capVideoCaptureMplane = 0x00001000
	capVideoOutputMplane  = 0x00002000
	capVideoM2MMplane     = 0x00004000
	capVideoM2M           = 0x00008000
	capStreaming          = 0x04000000
	capDeviceCaps         = 0x80000000

	selTgtCrop    = 0x0000
	selTgtCompose = 0x0100
	selFlagGE     = 1 << 0
	selFlagLE     = 1 << 1

	videoMaxPlanes = 8
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type v4l2PixFormatMplane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [videoMaxPlanes]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

type v4l2Format struct {
	typ uint32
	fmt [200 / ptrSize]uintptr
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

func (f *v4l2Format) pixMP() *v4l2PixFormatMplane {
	return (*v4l2PixFormatMplane)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	// offset (MMAP), fd (DMABUF) or a pointer to the plane array (MPLANE)
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uintptr
	dataOffset uint32
	reserved   [11]uint32
}

type v4l2ExportBuffer struct {
	typ      uint32
	index    uint32
	plane    uint32
	flags    uint32
	fd       int32
	reserved [11]uint32
}

type v4l2Rect struct {
	left   int32
	top    int32
	width  uint32
	height uint32
}

type v4l2Selection struct {
	typ      uint32
	target   uint32
	flags    uint32
	r        v4l2Rect
	reserved [9]uint32
}

type v4l2StreamParm struct {
	typ  uint32
	parm [200]byte
}

// timePerFrame reads the capture/output timeperframe fraction, which sits
// at the same offset in both union members.
func (p *v4l2StreamParm) timePerFrame() (numerator, denominator uint32) {
	numerator = *(*uint32)(unsafe.Pointer(&p.parm[8]))
	denominator = *(*uint32)(unsafe.Pointer(&p.parm[12]))
	return
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap   = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocSFmt       = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs    = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf   = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf       = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocExpBuf     = ioc(iocRead|iocWrite, 16, unsafe.Sizeof(v4l2ExportBuffer{}))
	vidiocDQBuf      = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn   = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff  = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocGParm      = ioc(iocRead|iocWrite, 21, unsafe.Sizeof(v4l2StreamParm{}))
	vidiocSSelection = ioc(iocRead|iocWrite, 95, unsafe.Sizeof(v4l2Selection{}))
)

// ioctl retries calls interrupted by a signal.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}
