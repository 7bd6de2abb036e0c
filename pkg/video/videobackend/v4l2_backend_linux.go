//go:build linux
// +build linux

package videobackend

import (
	"errors"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/tauraamui/streamerd/pkg/log"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/xerror"
	"golang.org/x/sys/unix"
)

func V4L2() Backend {
	return &v4l2Backend{}
}

type v4l2Backend struct{}

func (b *v4l2Backend) Name() string { return "v4l2" }

func (b *v4l2Backend) Open(path string) (device.Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, xerror.Errorf("%w: unable to stat %s: %v", videoerr.ErrIO, path, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, xerror.Errorf("%w: %s is not a character device", videoerr.ErrNotAVideoDevice, path)
	}

	fd, err := openDevice(path)
	if err != nil {
		return nil, xerror.Errorf("%w: unable to open %s: %v", videoerr.ErrIO, path, err)
	}

	dev := v4l2Device{path: path, fd: fd}
	if err := dev.queryCapabilities(); err != nil {
		unix.Close(fd) //nolint
		return nil, err
	}
	dev.queues[device.Capture] = &v4l2Queue{typ: dev.bufType(device.Capture)}
	dev.queues[device.Output] = &v4l2Queue{typ: dev.bufType(device.Output)}

	return &dev, nil
}

var openDevice = func(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (b *v4l2Backend) NewPoller(devices ...device.Device) (device.Poller, error) {
	fds := make([]unix.PollFd, len(devices))
	for i, d := range devices {
		vd, ok := d.(*v4l2Device)
		if !ok {
			return nil, xerror.Errorf("v4l2 poller cannot wait on %T", d)
		}
		fds[i] = unix.PollFd{Fd: int32(vd.fd), Events: unix.POLLIN | unix.POLLOUT}
	}
	return &v4l2Poller{fds: fds}, nil
}

type v4l2Poller struct {
	fds []unix.PollFd
}

func (p *v4l2Poller) Poll(timeout time.Duration) ([]device.Readiness, error) {
	for i := range p.fds {
		p.fds[i].Revents = 0
	}

	for {
		_, err := unix.Poll(p.fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, xerror.Errorf("%w: poll failed: %v", videoerr.ErrDeviceFault, err)
		}
		break
	}

	ready := make([]device.Readiness, len(p.fds))
	for i, fd := range p.fds {
		ready[i] = readinessOf(fd.Revents)
	}
	return ready, nil
}

// readinessOf maps poll events onto queue readiness. vb2 raises POLLIN and
// POLLOUT together with their RDNORM and WRNORM twins, so those are enough.
func readinessOf(revents int16) device.Readiness {
	return device.Readiness{
		Capture: revents&unix.POLLIN != 0,
		Output:  revents&unix.POLLOUT != 0,
		Error:   revents&unix.POLLERR != 0,
	}
}

type v4l2Queue struct {
	typ      uint32
	memory   uint32
	format   device.Format
	mapped   [][][]byte
	exported []int
}

type v4l2Device struct {
	path   string
	fd     int
	caps   device.Capabilities
	mplane bool
	queues [2]*v4l2Queue
}

func (d *v4l2Device) Path() string { return d.path }

func (d *v4l2Device) Capabilities() device.Capabilities { return d.caps }

func (d *v4l2Device) queryCapabilities() error {
	var c v4l2Capability
	if err := ioctl(d.fd, vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return xerror.Errorf("%w: %s does not answer capability query: %v", videoerr.ErrNotAVideoDevice, d.path, err)
	}

	caps := c.capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	if caps&capStreaming == 0 {
		return xerror.Errorf("%w: %s does not support streaming i/o", videoerr.ErrNotAVideoDevice, d.path)
	}

	d.mplane = caps&(capVideoCaptureMplane|capVideoOutputMplane|capVideoM2MMplane) != 0
	d.caps = device.Capabilities{
		Driver:      unix.ByteSliceToString(c.driver[:]),
		Card:        unix.ByteSliceToString(c.card[:]),
		Capture:     caps&(capVideoCapture|capVideoCaptureMplane|capVideoM2M|capVideoM2MMplane) != 0,
		Output:      caps&(capVideoOutput|capVideoOutputMplane|capVideoM2M|capVideoM2MMplane) != 0,
		MultiPlanar: d.mplane,
		Streaming:   true,
	}
	if !d.caps.Capture && !d.caps.Output {
		return xerror.Errorf("%w: %s neither captures nor outputs video", videoerr.ErrNotAVideoDevice, d.path)
	}
	return nil
}

func (d *v4l2Device) bufType(role device.QueueRole) uint32 {
	switch {
	case role == device.Capture && d.mplane:
		return bufTypeVideoCaptureMplane
	case role == device.Capture:
		return bufTypeVideoCapture
	case d.mplane:
		return bufTypeVideoOutputMplane
	}
	return bufTypeVideoOutput
}

func (d *v4l2Device) queue(role device.QueueRole) *v4l2Queue {
	return d.queues[role]
}

func (d *v4l2Device) NegotiateFormat(role device.QueueRole, desired device.Format) (device.Format, error) {
	q := d.queue(role)
	f := v4l2Format{typ: q.typ}

	if d.mplane {
		mp := f.pixMP()
		mp.width, mp.height, mp.pixelformat = desired.Width, desired.Height, uint32(desired.PixelFormat)
		mp.field = fieldNone
		mp.colorspace = desired.Colorspace
		mp.numPlanes = uint8(len(desired.Planes))
		for i, p := range desired.Planes {
			if i == videoMaxPlanes {
				break
			}
			mp.planeFmt[i].sizeimage = p.SizeImage
			mp.planeFmt[i].bytesperline = p.BytesPerLine
		}
	} else {
		pix := f.pix()
		pix.width, pix.height, pix.pixelformat = desired.Width, desired.Height, uint32(desired.PixelFormat)
		pix.field = fieldNone
		pix.colorspace = desired.Colorspace
		if len(desired.Planes) > 0 {
			pix.sizeimage = desired.Planes[0].SizeImage
			pix.bytesperline = desired.Planes[0].BytesPerLine
		}
	}

	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return device.Format{}, xerror.Errorf("%w: %s %s refused format %s: %v", videoerr.ErrUnsupported, d.path, role, desired, err)
	}

	accepted := d.readFormat(&f)
	if !desired.Matches(accepted) {
		return accepted, xerror.Errorf("%w: %s %s asked for %s, device set %s", videoerr.ErrUnsupported, d.path, role, desired, accepted)
	}
	q.format = accepted
	return accepted, nil
}

func (d *v4l2Device) readFormat(f *v4l2Format) device.Format {
	if d.mplane {
		mp := f.pixMP()
		accepted := device.Format{
			Width: mp.width, Height: mp.height, PixelFormat: device.FourCC(mp.pixelformat), Colorspace: mp.colorspace,
			Planes: make([]device.PlaneFormat, mp.numPlanes),
		}
		for i := range accepted.Planes {
			accepted.Planes[i] = device.PlaneFormat{SizeImage: mp.planeFmt[i].sizeimage, BytesPerLine: mp.planeFmt[i].bytesperline}
		}
		return accepted
	}

	pix := f.pix()
	return device.Format{
		Width: pix.width, Height: pix.height, PixelFormat: device.FourCC(pix.pixelformat), Colorspace: pix.colorspace,
		Planes: []device.PlaneFormat{{SizeImage: pix.sizeimage, BytesPerLine: pix.bytesperline}},
	}
}

func (d *v4l2Device) SetRegion(role device.QueueRole, target device.SelectionTarget, rect device.Rect) (device.Rect, error) {
	sel := v4l2Selection{
		// selection calls take the single planar buffer types on every kernel
		typ:    bufTypeVideoCapture,
		target: selTgtCrop,
		flags:  selFlagGE | selFlagLE,
		r:      v4l2Rect{left: rect.Left, top: rect.Top, width: rect.Width, height: rect.Height},
	}
	if role == device.Output {
		sel.typ = bufTypeVideoOutput
	}
	if target == device.Compose {
		sel.target = selTgtCompose
	}

	if err := ioctl(d.fd, vidiocSSelection, unsafe.Pointer(&sel)); err != nil {
		return device.Rect{}, xerror.Errorf("%w: %s %s refused %s region: %v", videoerr.ErrUnsupported, d.path, role, target, err)
	}
	return device.Rect{Left: sel.r.left, Top: sel.r.top, Width: sel.r.width, Height: sel.r.height}, nil
}

func memoryType(kind device.MemoryKind) uint32 {
	if kind == device.Imported {
		return memoryDMABUF
	}
	return memoryMMAP
}

func (d *v4l2Device) requestBuffers(q *v4l2Queue, count int, memory uint32) (int, error) {
	req := v4l2RequestBuffers{count: uint32(count), typ: q.typ, memory: memory}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return 0, xerror.Errorf("%w: %s cannot allocate buffers of memory type %d: %v", videoerr.ErrUnsupported, d.path, memory, err)
		}
		return 0, xerror.Errorf("%w: %s buffer request failed: %v", videoerr.ErrDeviceFault, d.path, err)
	}
	return int(req.count), nil
}

func (d *v4l2Device) AllocatePool(role device.QueueRole, count int, kind device.MemoryKind) (device.Grant, error) {
	q := d.queue(role)
	q.memory = memoryType(kind)

	granted, err := d.requestBuffers(q, count, q.memory)
	if err != nil {
		return device.Grant{}, err
	}

	grant := device.Grant{Slots: make([]device.SlotMemory, granted)}
	q.mapped = make([][][]byte, granted)
	for i := 0; i < granted; i++ {
		mem, err := d.queryBuffer(q, i, kind)
		if err != nil {
			d.ReleasePool(role) //nolint
			return device.Grant{}, err
		}
		grant.Slots[i] = mem
		if kind == device.Mapped {
			q.mapped[i] = make([][]byte, len(mem.Planes))
			for p, plane := range mem.Planes {
				q.mapped[i][p] = plane.Data
			}
		}
	}
	return grant, nil
}

func (d *v4l2Device) queryBuffer(q *v4l2Queue, index int, kind device.MemoryKind) (device.SlotMemory, error) {
	var planes [videoMaxPlanes]v4l2Plane
	buf := v4l2Buffer{index: uint32(index), typ: q.typ, memory: q.memory}
	if d.mplane {
		buf.m = uintptr(unsafe.Pointer(&planes[0]))
		buf.length = videoMaxPlanes
	}

	err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(&planes)
	if err != nil {
		return device.SlotMemory{}, xerror.Errorf("%w: %s unable to query buffer %d: %v", videoerr.ErrDeviceFault, d.path, index, err)
	}

	type layout struct {
		length uint32
		offset uint32
	}
	var layouts []layout
	if d.mplane {
		for p := 0; p < int(buf.length) && p < videoMaxPlanes; p++ {
			layouts = append(layouts, layout{length: planes[p].length, offset: uint32(planes[p].m)})
		}
	} else {
		layouts = []layout{{length: buf.length, offset: uint32(buf.m)}}
	}

	mem := device.SlotMemory{Planes: make([]device.PlaneMemory, len(layouts))}
	for p, l := range layouts {
		mem.Planes[p].Length = l.length
		if kind != device.Mapped {
			continue
		}
		data, err := unix.Mmap(d.fd, int64(l.offset), int(l.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for _, mapped := range mem.Planes[:p] {
				unix.Munmap(mapped.Data) //nolint
			}
			return device.SlotMemory{}, xerror.Errorf("%w: %s unable to map buffer %d plane %d: %v", videoerr.ErrDeviceFault, d.path, index, p, err)
		}
		mem.Planes[p].Data = data
	}
	return mem, nil
}

func (d *v4l2Device) ReleasePool(role device.QueueRole) error {
	q := d.queue(role)
	for _, fd := range q.exported {
		unix.Close(fd) //nolint
	}
	q.exported = nil

	for _, planes := range q.mapped {
		for _, data := range planes {
			if data != nil {
				unix.Munmap(data) //nolint
			}
		}
	}
	q.mapped = nil

	if q.memory == 0 {
		return nil
	}
	_, err := d.requestBuffers(q, 0, q.memory)
	return err
}

func (d *v4l2Device) ExportHandle(role device.QueueRole, index, plane int) (videoframe.Handle, error) {
	q := d.queue(role)
	exp := v4l2ExportBuffer{typ: q.typ, index: uint32(index), plane: uint32(plane), flags: unix.O_RDWR | unix.O_CLOEXEC}
	if err := ioctl(d.fd, vidiocExpBuf, unsafe.Pointer(&exp)); err != nil {
		return videoframe.NoHandle, xerror.Errorf("%w: %s %s unable to export buffer %d plane %d: %v", videoerr.ErrDeviceFault, d.path, role, index, plane, err)
	}
	q.exported = append(q.exported, int(exp.fd))
	return videoframe.Handle(exp.fd), nil
}

func (d *v4l2Device) Start(role device.QueueRole) error {
	typ := int32(d.queue(role).typ)
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return xerror.Errorf("%w: %s %s stream on failed: %v", videoerr.ErrDeviceFault, d.path, role, err)
	}
	return nil
}

func (d *v4l2Device) Stop(role device.QueueRole) error {
	typ := int32(d.queue(role).typ)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return xerror.Errorf("%w: %s %s stream off failed: %v", videoerr.ErrDeviceFault, d.path, role, err)
	}
	return nil
}

func (d *v4l2Device) Enqueue(role device.QueueRole, b device.Buffer) error {
	q := d.queue(role)
	var planes [videoMaxPlanes]v4l2Plane

	buf := v4l2Buffer{
		index:     uint32(b.Index),
		typ:       q.typ,
		memory:    q.memory,
		field:     b.Field,
		timestamp: unix.NsecToTimeval(b.Timestamp.Nanoseconds()),
	}
	if buf.field == 0 {
		buf.field = fieldNone
	}

	if d.mplane {
		n := len(b.Planes)
		if n > videoMaxPlanes {
			n = videoMaxPlanes
		}
		for i := 0; i < n; i++ {
			planes[i].bytesused = b.Planes[i].BytesUsed
			planes[i].length = b.Planes[i].Length
			if q.memory == memoryDMABUF && i < len(b.Handles) {
				planes[i].m = uintptr(uint32(b.Handles[i]))
			}
		}
		buf.m = uintptr(unsafe.Pointer(&planes[0]))
		buf.length = uint32(n)
	} else if len(b.Planes) > 0 {
		buf.bytesused = b.Planes[0].BytesUsed
		buf.length = b.Planes[0].Length
		if q.memory == memoryDMABUF && len(b.Handles) > 0 {
			buf.m = uintptr(uint32(b.Handles[0]))
		}
	}

	err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(&planes)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return videoerr.Rejected("%s %s refused buffer %d: %v", d.path, role, b.Index, err)
		}
		return xerror.Errorf("%w: %s %s unable to queue buffer %d: %v", videoerr.ErrDeviceFault, d.path, role, b.Index, err)
	}
	return nil
}

func (d *v4l2Device) Dequeue(role device.QueueRole) (device.Buffer, error) {
	q := d.queue(role)
	var planes [videoMaxPlanes]v4l2Plane

	buf := v4l2Buffer{typ: q.typ, memory: q.memory}
	if d.mplane {
		buf.m = uintptr(unsafe.Pointer(&planes[0]))
		buf.length = videoMaxPlanes
	}

	err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(&planes)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return device.Buffer{}, videoerr.ErrRetry
		}
		return device.Buffer{}, xerror.Errorf("%w: %s %s dequeue failed: %v", videoerr.ErrDeviceFault, d.path, role, err)
	}

	out := device.Buffer{
		Index:     int(buf.index),
		Sequence:  buf.sequence,
		Field:     buf.field,
		Timestamp: time.Duration(buf.timestamp.Nano()),
		Flagged:   buf.flags&bufFlagError != 0,
	}
	if d.mplane {
		n := int(buf.length)
		if n > videoMaxPlanes {
			n = videoMaxPlanes
		}
		out.Planes = make([]videoframe.Plane, n)
		for i := range out.Planes {
			out.Planes[i] = videoframe.Plane{BytesUsed: planes[i].bytesused, Length: planes[i].length}
		}
	} else {
		out.Planes = []videoframe.Plane{{BytesUsed: buf.bytesused, Length: buf.length}}
	}
	return out, nil
}

func (d *v4l2Device) FrameInterval(role device.QueueRole) (time.Duration, error) {
	parm := v4l2StreamParm{typ: d.queue(role).typ}
	if err := ioctl(d.fd, vidiocGParm, unsafe.Pointer(&parm)); err != nil {
		return 0, xerror.Errorf("%w: %s %s unable to read stream parameters: %v", videoerr.ErrUnsupported, d.path, role, err)
	}
	num, den := parm.timePerFrame()
	if den == 0 {
		return 0, nil
	}
	return time.Duration(num) * time.Second / time.Duration(den), nil
}

func (d *v4l2Device) Close() error {
	for _, role := range []device.QueueRole{device.Capture, device.Output} {
		q := d.queue(role)
		if len(q.mapped) > 0 || len(q.exported) > 0 {
			log.Warn("%s %s buffers still mapped at close, releasing", d.path, role)
			d.ReleasePool(role) //nolint
		}
	}
	if err := unix.Close(d.fd); err != nil {
		return xerror.Errorf("%w: unable to close %s: %v", videoerr.ErrIO, d.path, err)
	}
	return nil
}
