// Package reader runs the producer side of the pipeline: it decodes the card
// reader stream and routes every document until the stream fails.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/X2k16/tracking-firmware/internal/decoder"
	"github.com/X2k16/tracking-firmware/internal/logging"
	"github.com/X2k16/tracking-firmware/internal/models"
)

// ErrStreamClosed is returned by Run when the reader stream reaches EOF.
var ErrStreamClosed = errors.New("reader stream closed")

// Router receives decoded documents.
type Router interface {
	Route(doc models.Document)
}

type Reader struct {
	name    string
	dec     *decoder.Decoder
	router  Router
	logger  *logging.Logger
	decoded uint64
}

// New wraps stream. name identifies the source in logs (the port path).
func New(name string, stream io.Reader, router Router, logger *logging.Logger, opts ...decoder.Option) *Reader {
	if logger == nil {
		logger = logging.Default()
	}
	opts = append([]decoder.Option{decoder.WithLogger(logger.Logger)}, opts...)
	return &Reader{
		name:   name,
		dec:    decoder.New(stream, opts...),
		router: router,
		logger: logger,
	}
}

// Run routes documents until the stream fails or ctx is cancelled. A stream
// error while ctx is live is returned and is fatal to the process; an error
// caused by closing the stream during shutdown is not.
//
// Run cannot interrupt a blocked read: callers close the stream to unblock it.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Info("reader started", logging.Port(r.name))

	for {
		if ctx.Err() != nil {
			r.logger.Info("reader stopped", logging.Port(r.name), slog.Uint64("documents", r.decoded))
			return nil
		}

		doc, err := r.dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("reader stopped", logging.Port(r.name), slog.Uint64("documents", r.decoded))
				return nil
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			r.logger.Error("reader stream failed", logging.Port(r.name), logging.Error(err))
			return fmt.Errorf("read %s: %w", r.name, err)
		}

		r.decoded++
		r.router.Route(doc)
	}
}
