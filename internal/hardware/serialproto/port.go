package serialproto

import (
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/rendis/labflow/pkg/schema"
)

// DefaultBaudRate is the firmware's fixed line speed.
const DefaultBaudRate = 115200

// boardMarkers identify microcontroller boards by USB product string or
// vendor ID (Arduino LLC and the WCH CH340 bridge).
var boardMarkers = []string{"Arduino", "CH340"}

var boardVIDs = []string{"2341", "1A86"}

// Open opens name at baud in 8N1 mode.
func Open(name string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDevice, "open serial port %s: %s", name, err).
			WithCause(err).
			WithDetails(map[string]any{"port": name, "baudrate": baud})
	}
	return port, nil
}

// Detect returns the first USB port that looks like a microcontroller
// board, or fallback when none is found or enumeration fails.
func Detect(fallback string) string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fallback
	}
	if name, ok := matchBoard(ports); ok {
		return name
	}
	return fallback
}

func matchBoard(ports []*enumerator.PortDetails) (string, bool) {
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		for _, m := range boardMarkers {
			if strings.Contains(p.Product, m) {
				return p.Name, true
			}
		}
		for _, vid := range boardVIDs {
			if strings.EqualFold(p.VID, vid) {
				return p.Name, true
			}
		}
	}
	return "", false
}
