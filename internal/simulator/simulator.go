// Package simulator writes fake card reader output for bench testing the
// bridge without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/X2k16/tracking-firmware/internal/models"
)

// Options tunes the generated stream.
type Options struct {
	Seed     int64
	Readers  int           // distinct reader hardware ids
	Cards    int           // distinct cards in circulation
	Interval time.Duration // pause between lines
	// Noise is the share of lines that are not touches: debug records,
	// firmware status records and free text.
	Noise float64
}

func DefaultOptions() Options {
	return Options{
		Seed:     time.Now().UnixNano(),
		Readers:  2,
		Cards:    20,
		Interval: time.Second,
		Noise:    0.3,
	}
}

type Simulator struct {
	w       io.Writer
	faker   *gofakeit.Faker
	opts    Options
	readers []string
	cards   []interface{}
	touches int
}

func New(w io.Writer, opts Options) *Simulator {
	if opts.Readers <= 0 {
		opts.Readers = 1
	}
	if opts.Cards <= 0 {
		opts.Cards = 1
	}

	f := gofakeit.New(opts.Seed)
	s := &Simulator{w: w, faker: f, opts: opts}

	for i := 0; i < opts.Readers; i++ {
		s.readers = append(s.readers, f.Regex("81[0-9A-F]{6}"))
	}
	for i := 0; i < opts.Cards; i++ {
		// Some firmware builds print the IDm as a decimal number.
		if f.Number(0, 3) == 0 {
			s.cards = append(s.cards, json.Number(strconv.Itoa(f.Number(1_000_000, 999_999_999))))
			continue
		}
		s.cards = append(s.cards, f.Regex("01[0-9A-F]{14}"))
	}
	return s
}

// Line returns the next line of output without the terminator.
func (s *Simulator) Line() string {
	if s.faker.Float64() >= s.opts.Noise {
		return s.touch()
	}

	switch s.faker.Number(0, 3) {
	case 0:
		return s.marshal(map[string]interface{}{
			models.FieldType:    models.TypeDebug,
			models.FieldMessage: s.faker.Sentence(4),
		})
	case 1:
		return s.marshal(map[string]interface{}{
			"status":  "channel selected",
			"channel": s.faker.Number(11, 26),
		})
	case 2:
		return fmt.Sprintf(">> SEND OK seq=%d", s.faker.Number(1, 65535))
	default:
		// Truncated record, as the firmware prints on timeout.
		return `{ "status": "timeout"`
	}
}

func (s *Simulator) touch() string {
	s.touches++
	return s.marshal(map[string]interface{}{
		models.FieldType:       models.TypeFelica,
		models.FieldIDm:        s.cards[s.faker.Number(0, len(s.cards)-1)],
		models.FieldMACAddress: s.readers[s.faker.Number(0, len(s.readers)-1)],
	})
}

// Touches returns how many touch lines have been generated.
func (s *Simulator) Touches() int {
	return s.touches
}

func (s *Simulator) marshal(v map[string]interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Run writes count lines (0: until ctx is done), pausing Interval between
// lines.
func (s *Simulator) Run(ctx context.Context, count int) error {
	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := 0; count == 0 || n < count; n++ {
		if n > 0 && tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if _, err := io.WriteString(s.w, s.Line()+"\r\n"); err != nil {
			return fmt.Errorf("write simulated line: %w", err)
		}
	}
	return nil
}
