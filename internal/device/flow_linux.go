//go:build linux

package device

import "golang.org/x/sys/unix"

// setFlowControl configures the tty line discipline for the requested flow
// control mode. The serial library opens ports with flow control off, so
// "N" needs no work. Termios settings stick to the device rather than the
// descriptor, which lets a short-lived second open adjust them.
func setFlowControl(path, mode string) error {
	if mode == "N" {
		return nil
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Cflag &^= unix.CRTSCTS
	t.Iflag &^= unix.IXON | unix.IXOFF
	switch mode {
	case "H":
		t.Cflag |= unix.CRTSCTS
	case "S":
		t.Iflag |= unix.IXON | unix.IXOFF
	}

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
