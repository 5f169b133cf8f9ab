//go:build !linux

package device

import "fmt"

func setFlowControl(path, mode string) error {
	if mode == "N" {
		return nil
	}
	return fmt.Errorf("flow control %s is not supported on this platform", mode)
}
