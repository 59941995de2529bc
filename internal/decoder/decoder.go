// Package decoder turns the card reader's byte stream into JSON documents.
//
// The firmware writes one record per line. Lines that are empty, that do not
// start with '{', or that fail to parse are diagnostic noise and are skipped;
// only I/O errors from the underlying stream are returned.
package decoder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/X2k16/tracking-firmware/internal/metrics"
	"github.com/X2k16/tracking-firmware/internal/models"
)

// DefaultMaxLineBytes bounds a single line; longer lines are discarded.
const DefaultMaxLineBytes = 64 * 1024

// Decoder reads documents from a line-oriented stream. It is not safe for
// concurrent use and cannot be restarted once the stream fails.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
	logger  *slog.Logger
	err     error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxLineBytes sets the longest accepted line, terminator included.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithLogger sets the logger used for skipped-line diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		maxLine: DefaultMaxLineBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.r = bufio.NewReaderSize(r, d.maxLine)
	return d
}

// Next returns the next JSON document from the stream. The returned error is
// always an I/O error (io.EOF when the stream closes); once returned, every
// later call returns it again.
func (d *Decoder) Next() (models.Document, error) {
	for {
		if d.err != nil {
			return nil, d.err
		}

		raw, tooLong, err := d.readLine()
		if err != nil {
			// An unterminated final line is still decoded below.
			d.err = err
		}
		if tooLong {
			metrics.LinesTotal.WithLabelValues(metrics.LineTooLong).Inc()
			d.logger.Warn("discarded over-long reader line", slog.Int("max_bytes", d.maxLine))
			continue
		}

		if doc, ok := d.decode(raw); ok {
			return doc, nil
		}
	}
}

// All returns the stream as a lazy sequence. Iteration stops after the first
// error is yielded.
func (d *Decoder) All() iter.Seq2[models.Document, error] {
	return func(yield func(models.Document, error) bool) {
		for {
			doc, err := d.Next()
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) readLine() ([]byte, bool, error) {
	line, err := d.r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, false, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = d.r.ReadSlice('\n')
	}
	return nil, true, err
}

func (d *Decoder) decode(raw []byte) (models.Document, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		metrics.LinesTotal.WithLabelValues(metrics.LineEmpty).Inc()
		return nil, false
	}

	d.logger.Debug("received reader line", slog.String("line", string(line)))

	if line[0] != '{' {
		metrics.LinesTotal.WithLabelValues(metrics.LineText).Inc()
		return nil, false
	}

	doc, err := parse(line)
	if err != nil {
		metrics.LinesTotal.WithLabelValues(metrics.LineMalformed).Inc()
		d.logger.Debug("skipped malformed reader line", slog.String("error", err.Error()))
		return nil, false
	}

	metrics.LinesTotal.WithLabelValues(metrics.LineDecoded).Inc()
	return doc, true
}

func parse(line []byte) (models.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var doc models.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	return doc, nil
}
