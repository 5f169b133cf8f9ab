//go:build !linux

package pps

import (
	"fmt"

	"github.com/rs/zerolog"
)

func newKernelSource(path string, log zerolog.Logger) (Source, error) {
	return nil, fmt.Errorf("pps capture not supported on this platform")
}

func newGPIOSource(chip string, offset int, log zerolog.Logger) (Source, error) {
	return nil, fmt.Errorf("gpio pulse capture not supported on this platform")
}
