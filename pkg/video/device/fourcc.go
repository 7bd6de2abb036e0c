package device

import (
	"github.com/tauraamui/xerror"
)

// FourCC is a little endian four character pixel format code.
type FourCC uint32

const (
	PixelFormatSBGGR12P = FourCC('p' | 'B'<<8 | 'C'<<16 | 'C'<<24)
	PixelFormatRGB24    = FourCC('R' | 'G'<<8 | 'B'<<16 | '3'<<24)
	PixelFormatYUV420   = FourCC('Y' | 'U'<<8 | '1'<<16 | '2'<<24)
	PixelFormatNV12     = FourCC('N' | 'V'<<8 | '1'<<16 | '2'<<24)
	PixelFormatH264     = FourCC('H' | '2'<<8 | '6'<<16 | '4'<<24)
)

func ParseFourCC(code string) (FourCC, error) {
	if len(code) != 4 {
		return 0, xerror.Errorf("pixel format code must be 4 characters long, got %q", code)
	}
	return FourCC(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24), nil
}

func (f FourCC) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}
