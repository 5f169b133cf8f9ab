// Command ppswatch prints assert edges from a PPS source along with a
// running clock precision estimate, for checking a pulse feed before
// pointing gpstimed at it.
//
//	ppswatch -device /dev/pps0
//	ppswatch -device /dev/gpiochip0 -gpio-line 18 -count 30
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpstimed/internal/logging"
	"gpstimed/internal/pps"
)

const fallbackPrecision = -20

func main() {
	os.Exit(run())
}

func run() int {
	var (
		device   string
		gpioLine int
		count    int
	)
	flag.StringVar(&device, "device", "/dev/pps0", "PPS or GPIO character device path")
	flag.IntVar(&gpioLine, "gpio-line", 0, "line offset for GPIO devices")
	flag.IntVar(&count, "count", 0, "stop after this many edges (0 runs until interrupted)")
	flag.Parse()

	log := logging.New("info", "console")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := pps.Open(device, gpioLine, log)
	if err != nil {
		log.Error().Err(err).Str("device", device).Msg("open failed")
		return 1
	}
	fmt.Printf("watching %s\n", src.Name())

	est := pps.NewEstimator(fallbackPrecision)
	seen := 0
	err = src.Run(ctx, func(e pps.Edge) {
		est.Observe(e.Assert)
		offset := e.Assert.Sub(e.Assert.Round(time.Second))
		fmt.Printf("seq=%-8d assert=%s offset=%+11s precision=2^%d\n",
			e.Sequence, e.Assert.Format("15:04:05.000000000"), offset, est.Precision())
		seen++
		if count > 0 && seen >= count {
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("capture failed")
		return 1
	}

	st := src.Stats()
	fmt.Printf("%d edges, %d gaps, %d invalid, precision 2^%d\n",
		st.Edges, st.Gaps, st.Invalid, est.Precision())
	return 0
}
