package query

import (
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/metrics"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/rs/zerolog/log"
)

// Cursor streams the matches of one query, forward only. A Cursor is not
// safe for concurrent use. Close must be called on every exit path; it is
// idempotent.
type Cursor struct {
	rows        repository.Rows
	level       archive.Level
	post        *reconciler
	merge       merger
	unsupported bool
	start       time.Time

	next   *dcm.Attributes
	err    error
	count  int
	done   bool
	closed bool
}

// HasMore reports whether Next will return another match. It returns false
// after an error; Err reports it.
func (c *Cursor) HasMore() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.next != nil {
		return true
	}
	if c.done {
		return false
	}
	if !c.rows.Next() {
		c.done = true
		if err := c.rows.Err(); err != nil {
			c.err = archive.NewResourceError("read query results", err)
		}
		return false
	}
	attrs, err := c.merge.attrs(c.level, c.rows.Row())
	if err != nil {
		c.err = err
		return false
	}
	attrs.Set(dcm.QueryRetrieveLevel, dcm.VRCS, c.level.String())
	c.post.apply(attrs)
	c.next = attrs
	return true
}

// Next returns the next match. It returns archive.ErrNoMoreResults when the
// cursor is exhausted and archive.ErrCursorClosed after Close.
func (c *Cursor) Next() (*dcm.Attributes, error) {
	if c.closed {
		return nil, archive.ErrCursorClosed
	}
	if !c.HasMore() {
		if c.err != nil {
			return nil, c.err
		}
		return nil, archive.ErrNoMoreResults
	}
	attrs := c.next
	c.next = nil
	c.count++
	return attrs, nil
}

// Err returns the error that ended the iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// OptionalKeyNotSupported reports whether a matching key was ignored. The
// matches are still correct for the keys that were honored.
func (c *Cursor) OptionalKeyNotSupported() bool {
	return c.unsupported
}

// Close releases the underlying result set.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.next = nil
	err := c.rows.Close()

	result := "success"
	if c.err != nil {
		result = "error"
	}
	metrics.QueryTotal.WithLabelValues(c.level.String(), result).Inc()
	metrics.QueryMatches.WithLabelValues(c.level.String()).Observe(float64(c.count))
	log.Debug().
		Str("level", c.level.String()).
		Int("matches", c.count).
		Int("decoded", c.merge.decoded).
		Bool("exhausted", c.done).
		Dur("duration", time.Since(c.start)).
		Msg("Query closed")
	return err
}
