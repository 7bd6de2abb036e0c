// Package videosink holds the collaborators receiving frames from the last
// stage of a pipeline. Persistence stops here: the pipeline only hands a
// descriptor and the plane bytes over.
package videosink

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/xerror"
)

var fs = afero.NewOsFs()

type Sink interface {
	Accept(desc videoframe.Descriptor, planes [][]byte) error
	Close() error
}

type Stats struct {
	Frames uint64
	Bytes  uint64
}

func ensureDirectoryPathExists(path string) error {
	dir := filepath.Dir(path)
	err := fs.MkdirAll(dir, os.ModePerm|os.ModeDir)
	if err == nil || os.IsExist(err) {
		return nil
	}
	return err
}

func writePlanes(w afero.File, planes [][]byte) (int, error) {
	total := 0
	for _, p := range planes {
		n, err := w.Write(p)
		total += n
		if err != nil {
			return total, err
		}
		if n != len(p) {
			return total, xerror.Errorf("short write, %d of %d bytes", n, len(p))
		}
	}
	return total, nil
}

// FileSink appends every accepted frame to one file, the encoded stream.
type FileSink struct {
	mu    sync.Mutex
	path  string
	file  afero.File
	stats Stats
}

// NewFileSink creates (or truncates) the file at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := ensureDirectoryPathExists(path); err != nil {
		return nil, xerror.Errorf("%w: unable to create sink directory: %v", videoerr.ErrIO, err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerror.Errorf("%w: unable to open sink file %s: %v", videoerr.ErrIO, path, err)
	}
	return &FileSink{path: path, file: f}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Accept(desc videoframe.Descriptor, planes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return xerror.Errorf("%w: %s is closed", videoerr.ErrSinkFault, s.path)
	}
	n, err := writePlanes(s.file, planes)
	s.stats.Bytes += uint64(n)
	if err != nil {
		return xerror.Errorf("%w: writing %s to %s: %v", videoerr.ErrSinkFault, desc, s.path, err)
	}
	s.stats.Frames++
	return nil
}

func (s *FileSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// SnapshotSink keeps only the latest frame it was given, rewriting the file
// on every accept. Used to dump raw frames for debugging.
type SnapshotSink struct {
	mu    sync.Mutex
	path  string
	stats Stats
}

func NewSnapshotSink(path string) (*SnapshotSink, error) {
	if err := ensureDirectoryPathExists(path); err != nil {
		return nil, xerror.Errorf("%w: unable to create snapshot directory: %v", videoerr.ErrIO, err)
	}
	return &SnapshotSink{path: path}, nil
}

func (s *SnapshotSink) Path() string { return s.path }

func (s *SnapshotSink) Accept(desc videoframe.Descriptor, planes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return xerror.Errorf("%w: unable to open snapshot %s: %v", videoerr.ErrSinkFault, s.path, err)
	}
	defer f.Close()

	n, err := writePlanes(f, planes)
	if err != nil {
		return xerror.Errorf("%w: writing %s to %s: %v", videoerr.ErrSinkFault, desc, s.path, err)
	}
	s.stats.Frames++
	s.stats.Bytes += uint64(n)
	return nil
}

func (s *SnapshotSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SnapshotSink) Close() error { return nil }

type Record struct {
	Stage    string
	Slot     int
	Sequence uint32
	Bytes    int
	Invalid  bool
}

// CountingSink keeps no bytes, only a record of what it was given. Fail,
// when set, is returned from every accept.
type CountingSink struct {
	mu      sync.Mutex
	records []Record
	stats   Stats
	Fail    error
}

func NewCountingSink() *CountingSink {
	return &CountingSink{}
}

func (s *CountingSink) Accept(desc videoframe.Descriptor, planes [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		return xerror.Errorf("%w: %v", videoerr.ErrSinkFault, s.Fail)
	}
	n := 0
	for _, p := range planes {
		n += len(p)
	}
	s.records = append(s.records, Record{Stage: desc.Stage, Slot: desc.Slot, Sequence: desc.Sequence, Bytes: n, Invalid: desc.Invalid})
	s.stats.Frames++
	s.stats.Bytes += uint64(n)
	return nil
}

func (s *CountingSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *CountingSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *CountingSink) Close() error { return nil }
