//go:build linux

package pps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// RFC 2783 ioctl surface of /dev/ppsN. x/sys/unix does not generate these.
const (
	ppsGetParams = 0x802870a1 // _IOR('p', 0xa1, struct pps_kparams)
	ppsSetParams = 0x402870a2 // _IOW('p', 0xa2, struct pps_kparams)
	ppsGetCap    = 0x800470a3 // _IOR('p', 0xa3, int)
	ppsFetch     = 0xc04070a4 // _IOWR('p', 0xa4, struct pps_fdata)

	ppsCaptureAssert = 0x01
	ppsCanWait       = 0x100

	ppsTimeInvalid = 1 << 0
)

// fetchTimeout bounds one blocking PPS_FETCH so cancellation is noticed even
// when the pulse stops.
const fetchTimeout = 2 * time.Second

// ppsKtime is struct pps_ktime: 16 bytes.
type ppsKtime struct {
	Sec   int64
	Nsec  int32
	Flags uint32
}

// ppsKinfo is struct pps_kinfo: 48 bytes including trailing padding.
type ppsKinfo struct {
	AssertSequence uint32
	ClearSequence  uint32
	AssertTu       ppsKtime
	ClearTu        ppsKtime
	CurrentMode    int32
	_              int32
}

// ppsFData is struct pps_fdata: 64 bytes.
type ppsFData struct {
	Info    ppsKinfo
	Timeout ppsKtime
}

// ppsKParams is struct pps_kparams: 40 bytes.
type ppsKParams struct {
	APIVersion  int32
	Mode        int32
	AssertOffTu ppsKtime
	ClearOffTu  ppsKtime
}

type kernelSource struct {
	path    string
	log     zerolog.Logger
	tracker seqTracker
	invalid atomic.Uint64
}

func newKernelSource(path string, log zerolog.Logger) (Source, error) {
	return &kernelSource{path: path, log: log}, nil
}

func (s *kernelSource) Name() string { return s.path }

func (s *kernelSource) Stats() Stats {
	return Stats{
		Edges:   s.tracker.edges.Load(),
		Gaps:    s.tracker.gaps.Load(),
		Invalid: s.invalid.Load(),
	}
}

func (s *kernelSource) Run(ctx context.Context, emit func(Edge)) error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := configureAssertCapture(f.Fd()); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.log.Info().Str("device", s.path).Msg("watching PPS assert events")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var data ppsFData
		data.Timeout.Sec = int64(fetchTimeout / time.Second)
		err := ioctlPtr(f.Fd(), ppsFetch, unsafe.Pointer(&data))
		now := time.Now()
		if errors.Is(err, unix.ETIMEDOUT) {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("PPS_FETCH %s: %w", s.path, err)
		}

		if data.Info.AssertTu.Flags&ppsTimeInvalid != 0 {
			s.invalid.Add(1)
			continue
		}

		seq := data.Info.AssertSequence
		missed, dup := s.tracker.observe(seq)
		if dup {
			continue
		}
		if missed > 0 {
			s.log.Debug().Str("device", s.path).Uint32("missed", missed).
				Msg("pulse sequence gap")
		}

		emit(Edge{
			Sequence: seq,
			Assert:   time.Unix(data.Info.AssertTu.Sec, int64(data.Info.AssertTu.Nsec)),
			Received: now,
		})
	}
}

// configureAssertCapture verifies the device can block on assert edges and
// enables their capture.
func configureAssertCapture(fd uintptr) error {
	var caps int32
	if err := ioctlPtr(fd, ppsGetCap, unsafe.Pointer(&caps)); err != nil {
		return fmt.Errorf("PPS_GETCAP: %w", err)
	}
	if caps&ppsCanWait == 0 {
		return fmt.Errorf("device cannot wait for events")
	}
	if caps&ppsCaptureAssert == 0 {
		return fmt.Errorf("device cannot capture assert events")
	}

	var params ppsKParams
	if err := ioctlPtr(fd, ppsGetParams, unsafe.Pointer(&params)); err != nil {
		return fmt.Errorf("PPS_GETPARAMS: %w", err)
	}
	params.Mode |= ppsCaptureAssert
	if err := ioctlPtr(fd, ppsSetParams, unsafe.Pointer(&params)); err != nil {
		return fmt.Errorf("PPS_SETPARAMS: %w", err)
	}
	return nil
}

func ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
