package main

import (
	"errors"
	"image/color"
	"strconv"
	"strings"
)

// parseHexColor accepts #RRGGBB and #AARRGGBB.
func parseHexColor(s string) (color.Color, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return nil, errors.New("hex color must start with #")
	}
	h := strings.TrimPrefix(s, "#")
	if len(h) != 6 && len(h) != 8 {
		return nil, errors.New("hex color format: #RRGGBB or #AARRGGBB")
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return nil, errors.New("hex color has non-hex digits")
	}
	if len(h) == 6 {
		return color.NRGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 0xFF}, nil
	}
	return color.NRGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), uint8(v >> 24)}, nil
}
