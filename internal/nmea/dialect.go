package nmea

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// A Dialect knows a receiver family's private sentences and how to enable a
// standard sentence set on it.
type Dialect interface {
	Name() string
	// Setup returns the wire frames that select the sentence set, ready to
	// write. Empty means the receiver runs with its defaults.
	Setup() [][]byte
	// WantAck reports whether the receiver acknowledges Setup.
	WantAck() bool
	// HandlePrivate consumes a checksum-valid private payload (leading 'P').
	// ack is true when the payload answers Setup; err is non-nil when that
	// answer is a rejection.
	HandlePrivate(payload string) (ack bool, err error)
}

// mtkOutputs is the sentence set a GlobalTop/MediaTek receiver can emit, in
// PMTK314 field order: GLL, RMC, VTG, GGA, GSA, GSV and MCHN in field 19.
var mtkOutputs = map[string]int{
	"GLL": 0, "RMC": 1, "VTG": 2, "GGA": 3, "GSA": 4, "GSV": 5, "MCHN": 18,
}

// ubloxOutputs is the sentence set a u-blox receiver can rate-control
// through PUBX,40.
var ubloxOutputs = []string{
	"DTM", "GBS", "GGA", "GLL", "GNS", "GRS", "GSA", "GST",
	"GSV", "RLM", "RMC", "TXT", "VLW", "VTG", "ZDA",
}

// NewDialect builds the named dialect with the given sentence set enabled.
// An empty set enables everything the receiver supports. Sentences the
// receiver cannot emit are a construction error so a config typo surfaces at
// startup instead of as a silently dark receiver.
func NewDialect(name string, sentences []string) (Dialect, error) {
	switch name {
	case "", "generic":
		return generic{}, nil
	case "mtk":
		return newMTK(sentences)
	case "ublox":
		return newUblox(sentences)
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

type generic struct{}

func (generic) Name() string                       { return "generic" }
func (generic) Setup() [][]byte                    { return nil }
func (generic) WantAck() bool                      { return false }
func (generic) HandlePrivate(string) (bool, error) { return false, nil }

type mtk struct {
	enabled map[string]bool
}

func newMTK(sentences []string) (Dialect, error) {
	enabled := make(map[string]bool, len(mtkOutputs))
	if len(sentences) == 0 {
		for s := range mtkOutputs {
			enabled[s] = true
		}
	}
	for _, s := range sentences {
		if _, ok := mtkOutputs[s]; !ok {
			return nil, fmt.Errorf("mtk receivers cannot emit %s sentences (supported: %s)",
				s, strings.Join(sortedKeys(mtkOutputs), ", "))
		}
		enabled[s] = true
	}
	return mtk{enabled: enabled}, nil
}

func (mtk) Name() string  { return "mtk" }
func (mtk) WantAck() bool { return true }

// Setup emits one PMTK314 frame setting every supported sentence to 1 Hz or
// off. The frame carries 19 rate fields; the ones between GSV and MCHN
// belong to messages this daemon never uses and stay zero.
func (m mtk) Setup() [][]byte {
	rates := make([]string, 19)
	for i := range rates {
		rates[i] = "0"
	}
	for s := range m.enabled {
		rates[mtkOutputs[s]] = "1"
	}
	return [][]byte{frame("PMTK314," + strings.Join(rates, ","))}
}

func (m mtk) HandlePrivate(payload string) (bool, error) {
	fields := strings.Split(payload, ",")
	switch fields[0] {
	case "PMTK001":
		if len(fields) < 3 || fields[1] != "314" {
			return false, nil
		}
		flag, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, nil
		}
		switch flag {
		case 0:
			return true, fmt.Errorf("receiver reports invalid command")
		case 1:
			return true, fmt.Errorf("receiver reports unsupported command")
		case 2:
			return true, fmt.Errorf("receiver reports command failed")
		case 3:
			return true, nil
		default:
			return true, fmt.Errorf("receiver reports unknown status %d", flag)
		}
	default:
		// PMTK010 system restarts and PMTK011 text chatter are expected
		// during receiver boot.
		return false, nil
	}
}

type ublox struct {
	enabled map[string]bool
}

func newUblox(sentences []string) (Dialect, error) {
	enabled := make(map[string]bool, len(ubloxOutputs))
	supported := make(map[string]bool, len(ubloxOutputs))
	for _, s := range ubloxOutputs {
		supported[s] = true
	}
	if len(sentences) == 0 {
		for _, s := range ubloxOutputs {
			enabled[s] = true
		}
	}
	for _, s := range sentences {
		if !supported[s] {
			return nil, fmt.Errorf("ublox receivers cannot emit %s sentences (supported: %s)",
				s, strings.Join(ubloxOutputs, ", "))
		}
		enabled[s] = true
	}
	return ublox{enabled: enabled}, nil
}

func (ublox) Name() string  { return "ublox" }
func (ublox) WantAck() bool { return false }

// Setup emits one PUBX,40 rate frame per supported sentence. Field four is
// the UART1 rate; the other ports stay silent.
func (u ublox) Setup() [][]byte {
	frames := make([][]byte, 0, len(ubloxOutputs))
	for _, s := range ubloxOutputs {
		rate := "0"
		if u.enabled[s] {
			rate = "1"
		}
		frames = append(frames, frame(fmt.Sprintf("PUBX,40,%s,0,%s,0,0,0,0", s, rate)))
	}
	return frames
}

func (ublox) HandlePrivate(string) (bool, error) { return false, nil }

// frame wraps a payload in NMEA framing with its XOR checksum.
func frame(payload string) []byte {
	return []byte(fmt.Sprintf("$%s*%02X\r\n", payload, xor([]byte(payload))))
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
