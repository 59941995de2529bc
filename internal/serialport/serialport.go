// Package serialport locates and opens the card reader's serial device.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// Stdin is the port name that reads the reader protocol from standard input.
const Stdin = "-"

// DefaultBaudRate matches the reader firmware.
const DefaultBaudRate = 115200

// ErrNoPort is returned when no device matches the reader naming convention.
var ErrNoPort = errors.New("no card reader serial port found")

// Prefixes are the device names USB serial adapters get on macOS and Linux.
var Prefixes = []string{"tty.usbserial", "ttyUSB"}

// listPorts is replaced in tests.
var listPorts = serial.GetPortsList

// Candidates filters ports down to likely readers, sorted by path.
func Candidates(ports []string) []string {
	var out []string
	for _, p := range ports {
		base := filepath.Base(p)
		for _, prefix := range Prefixes {
			if strings.HasPrefix(base, prefix) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// List returns every serial port on the system and the subset that look like
// card readers.
func List() (all, readers []string, err error) {
	all, err = listPorts()
	if err != nil {
		return nil, nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(all)
	return all, Candidates(all), nil
}

// Find returns the first port that looks like a card reader.
func Find() (string, error) {
	_, readers, err := List()
	if err != nil {
		return "", err
	}
	if len(readers) == 0 {
		return "", fmt.Errorf("%w (looked for %s)", ErrNoPort, strings.Join(Prefixes, ", "))
	}
	return readers[0], nil
}

// Resolve returns configured, or a discovered port when configured is empty.
func Resolve(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return Find()
}

// Port is an open reader stream. Close may be called from several exit paths;
// only the first call reaches the device.
type Port struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (p *Port) Close() error {
	p.once.Do(func() {
		p.err = p.ReadCloser.Close()
	})
	return p.err
}

// Open opens path at baud 8N1. Stdin is used for the "-" path.
func Open(path string, baud int) (*Port, error) {
	if path == Stdin {
		return &Port{ReadCloser: os.Stdin}, nil
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return &Port{ReadCloser: port}, nil
}
