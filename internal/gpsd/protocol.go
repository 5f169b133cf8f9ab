// Package gpsd speaks the line-oriented JSON protocol gpsd clients expect,
// reduced to the time-service subset: VERSION, WATCH, DEVICES and POLL
// commands, plus streamed TOFF and PPS reports. Position-bearing classes are
// never sent.
package gpsd

import (
	"encoding/json"
	"errors"
	"strings"

	"gpstimed/internal/correlator"
)

// Protocol identity presented to clients. ntpd's gpsd refclock checks the
// major number before trusting TOFF.
const (
	protoRelease = "release-3.10"
	protoRev     = "3.10"
	protoMajor   = 3
	protoMinor   = 10
)

// maxLine bounds one command line including its newline. Longer input is
// discarded through the next newline and answered with an error.
const maxLine = 80

var (
	errUnrecognized = errors.New("unrecognized command")
	errLineTooLong  = errors.New("command line too long")
)

type versionMsg struct {
	Class      string `json:"class"`
	Release    string `json:"release"`
	Rev        string `json:"rev"`
	ProtoMajor int    `json:"proto_major"`
	ProtoMinor int    `json:"proto_minor"`
}

func newVersion() versionMsg {
	return versionMsg{
		Class:      "VERSION",
		Release:    protoRelease,
		Rev:        protoRev,
		ProtoMajor: protoMajor,
		ProtoMinor: protoMinor,
	}
}

type errorMsg struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func newError(message string) errorMsg {
	return errorMsg{Class: "ERROR", Message: message}
}

// watchMsg is both the client's WATCH payload and the acknowledgment echoed
// back. Nil fields were never set and stay omitted; merging a payload into
// session state only touches the fields the client sent.
type watchMsg struct {
	Class   string  `json:"class,omitempty"`
	Enable  *bool   `json:"enable,omitempty"`
	JSON    *bool   `json:"json,omitempty"`
	NMEA    *bool   `json:"nmea,omitempty"`
	Raw     *uint64 `json:"raw,omitempty"`
	Scaled  *bool   `json:"scaled,omitempty"`
	Split24 *bool   `json:"split24,omitempty"`
	PPS     *bool   `json:"pps,omitempty"`
	Device  *string `json:"device,omitempty"`
	Remote  *string `json:"remote,omitempty"`
}

func (w *watchMsg) merge(u watchMsg) {
	if u.Enable != nil {
		w.Enable = u.Enable
	}
	if u.JSON != nil {
		w.JSON = u.JSON
	}
	if u.NMEA != nil {
		w.NMEA = u.NMEA
	}
	if u.Raw != nil {
		w.Raw = u.Raw
	}
	if u.Scaled != nil {
		w.Scaled = u.Scaled
	}
	if u.Split24 != nil {
		w.Split24 = u.Split24
	}
	if u.PPS != nil {
		w.PPS = u.PPS
	}
	if u.Device != nil {
		w.Device = u.Device
	}
	if u.Remote != nil {
		w.Remote = u.Remote
	}
}

func flag(b *bool) bool {
	return b != nil && *b
}

type deviceMsg struct {
	Class    string `json:"class"`
	Path     string `json:"path,omitempty"`
	BPS      int    `json:"bps,omitempty"`
	Parity   string `json:"parity,omitempty"`
	Stopbits string `json:"stopbits,omitempty"`
}

type devicesMsg struct {
	Class   string      `json:"class"`
	Devices []deviceMsg `json:"devices"`
}

func newDevices(infos []DeviceInfo) devicesMsg {
	msg := devicesMsg{Class: "DEVICES", Devices: make([]deviceMsg, 0, len(infos))}
	for _, d := range infos {
		msg.Devices = append(msg.Devices, deviceMsg{
			Class:    "DEVICE",
			Path:     d.Path,
			BPS:      d.Baud,
			Parity:   d.Parity,
			Stopbits: d.Stopbits,
		})
	}
	return msg
}

// pollMsg carries no fix data; positioning is out of scope, so tpv and sky
// stay empty.
type pollMsg struct {
	Class  string            `json:"class"`
	Time   float64           `json:"time"`
	Active int               `json:"active"`
	TPV    []json.RawMessage `json:"tpv"`
	Sky    []json.RawMessage `json:"sky"`
}

func newPoll() pollMsg {
	return pollMsg{Class: "POLL", TPV: []json.RawMessage{}, Sky: []json.RawMessage{}}
}

type toffMsg struct {
	Class     string `json:"class"`
	Device    string `json:"device"`
	RealSec   int64  `json:"real_sec"`
	RealNSec  int    `json:"real_nsec"`
	ClockSec  int64  `json:"clock_sec"`
	ClockNSec int    `json:"clock_nsec"`
}

type ppsMsg struct {
	Class     string `json:"class"`
	Device    string `json:"device"`
	RealSec   int64  `json:"real_sec"`
	RealNSec  int    `json:"real_nsec"`
	ClockSec  int64  `json:"clock_sec"`
	ClockNSec int    `json:"clock_nsec"`
	Precision int    `json:"precision"`
}

// newReport renders one time sample as its wire class: receipt samples as
// TOFF, pulse samples as PPS.
func newReport(s correlator.Sample) any {
	if s.Class == correlator.ClassPulse {
		return ppsMsg{
			Class:     "PPS",
			Device:    s.Device,
			RealSec:   s.Real.Unix(),
			RealNSec:  s.Real.Nanosecond(),
			ClockSec:  s.Clock.Unix(),
			ClockNSec: s.Clock.Nanosecond(),
			Precision: s.Precision,
		}
	}
	return toffMsg{
		Class:     "TOFF",
		Device:    s.Device,
		RealSec:   s.Real.Unix(),
		RealNSec:  s.Real.Nanosecond(),
		ClockSec:  s.Clock.Unix(),
		ClockNSec: s.Clock.Nanosecond(),
	}
}

// splitCommand takes one raw line and returns the command name and its raw
// JSON argument, if any. The grammar is ?NAME[=json]; terminated by an
// optional carriage return and the newline.
func splitCommand(line string) (name, body string, err error) {
	s := strings.TrimSuffix(line, "\n")
	s = strings.TrimSuffix(s, "\r")
	if !strings.HasSuffix(s, ";") || !strings.HasPrefix(s, "?") {
		return "", "", errUnrecognized
	}
	s = s[1 : len(s)-1]
	if i := strings.IndexByte(s, '='); i >= 0 {
		return s[:i], s[i+1:], nil
	}
	return s, "", nil
}
