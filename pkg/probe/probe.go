// Package probe lists what a video device can negotiate, to help write the
// queue section of a pipeline configuration.
package probe

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/afero"
	"github.com/tauraamui/streamerd/pkg/video/device"
)

var fs = afero.NewOsFs()

const devicePattern = "/dev/video*"

// FrameSize is either one discrete size (Min equals Max) or a stepwise range.
type FrameSize struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

func (f FrameSize) Discrete() bool {
	return f.MinWidth == f.MaxWidth && f.MinHeight == f.MaxHeight
}

func (f FrameSize) String() string {
	if f.Discrete() {
		return fmt.Sprintf("%dx%d", f.MaxWidth, f.MaxHeight)
	}
	return fmt.Sprintf(
		"%d-%d/%d x %d-%d/%d",
		f.MinWidth, f.MaxWidth, f.StepWidth, f.MinHeight, f.MaxHeight, f.StepHeight,
	)
}

type Format struct {
	Code        device.FourCC
	Description string
	Sizes       []FrameSize
}

type Report struct {
	Path    string
	Formats []Format
}

// WriteTo prints the report the way the probe subcommand shows it.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(format string, a ...interface{}) error {
		n, err := fmt.Fprintf(w, format, a...)
		total += int64(n)
		return err
	}

	if err := write("%s\n", r.Path); err != nil {
		return total, err
	}
	if len(r.Formats) == 0 {
		err := write("  no formats reported\n")
		return total, err
	}
	for _, f := range r.Formats {
		if err := write("  %s (%s)\n", f.Code, f.Description); err != nil {
			return total, err
		}
		for _, size := range f.Sizes {
			if err := write("    %s\n", size); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func sortFormats(formats []Format) {
	sort.Slice(formats, func(i, j int) bool { return formats[i].Code.String() < formats[j].Code.String() })
	for _, f := range formats {
		sort.SliceStable(f.Sizes, func(i, j int) bool {
			a, b := f.Sizes[i], f.Sizes[j]
			if a.MaxWidth != b.MaxWidth {
				return a.MaxWidth < b.MaxWidth
			}
			return a.MaxHeight < b.MaxHeight
		})
	}
}

// Devices returns every video device node present, sorted by path.
func Devices() ([]string, error) {
	paths, err := afero.Glob(fs, devicePattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
