//go:build linux

package ntpshm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Attach creates or opens the SysV segment for a refclock unit and maps it.
// Units 0 and 1 are created root-only, matching the ntpd convention that the
// first two units are trusted.
func Attach(unit int) (*Clock, error) {
	if unit < 0 || unit > MaxUnit {
		return nil, fmt.Errorf("shm unit %d out of range 0..%d", unit, MaxUnit)
	}
	perm := 0o600
	if unit > 1 {
		perm = 0o666
	}

	size := int(unsafe.Sizeof(segment{}))
	id, err := unix.SysvShmGet(Key(unit), size, unix.IPC_CREAT|perm)
	if err != nil {
		return nil, fmt.Errorf("shmget unit %d: %w", unit, err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat unit %d: %w", unit, err)
	}
	if len(mem) < size {
		_ = unix.SysvShmDetach(mem)
		return nil, fmt.Errorf("shm unit %d: segment is %d bytes, need %d", unit, len(mem), size)
	}

	c := &Clock{
		unit: unit,
		mem:  mem,
		seg:  (*segment)(unsafe.Pointer(&mem[0])),
	}
	c.init()
	return c, nil
}

func (c *Clock) detach() error {
	if c.mem == nil {
		return nil
	}
	mem := c.mem
	c.mem, c.seg = nil, nil
	return unix.SysvShmDetach(mem)
}
