package gps

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialReadTimeout bounds each Read on the device so reader loops can notice
// cancellation. A timed-out Read returns (0, nil).
const SerialReadTimeout = 100 * time.Millisecond

// OpenSerial opens a receiver port 8N1 at baud.
func OpenSerial(device string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(SerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}
	return port, nil
}

// ListPorts returns the serial ports present on the system, sorted.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}

// AutoDetectDevice picks the first USB receiver-looking port, or "".
func AutoDetectDevice() string {
	ports, err := ListPorts()
	if err == nil {
		for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
			for _, p := range ports {
				if strings.HasPrefix(p, prefix) {
					return p
				}
			}
		}
	}
	// Enumeration can fail in minimal containers; fall back to probing.
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
