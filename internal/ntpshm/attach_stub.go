//go:build !linux

package ntpshm

import "fmt"

// Attach requires SysV shared memory and is only wired up on Linux.
func Attach(unit int) (*Clock, error) {
	return nil, fmt.Errorf("ntp shm not supported on this platform")
}

func (c *Clock) detach() error {
	return nil
}
