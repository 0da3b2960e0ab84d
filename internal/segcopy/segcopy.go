// Package segcopy copies the data extents of a transfer plan from a
// random-access source to a random-access destination, preserving the
// destination's sparseness and supporting resume after a crash.
package segcopy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/0xef53/vmigrate/internal/sparse"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryLimit = 3
	defaultRetryDelay = time.Second
	defaultBufferSize = 8 << 20
)

// SegmentCopyError is an I/O failure on a specific extent after all
// retries were exhausted. Partial results stay on disk for resume.
type SegmentCopyError struct {
	Offset uint64
	Length uint64
	Cause  error
}

func (e *SegmentCopyError) Error() string {
	return fmt.Sprintf("segment copy failed at extent [%d, %d): %s", e.Offset, e.Offset+e.Length, e.Cause)
}

func (e *SegmentCopyError) Unwrap() error { return e.Cause }

func IsSegmentCopyError(err error) bool {
	if _, ok := err.(*SegmentCopyError); ok {
		return true
	}

	return false
}

// Report summarizes one Copy invocation.
type Report struct {
	BytesCopied    uint64
	ExtentsCopied  int
	ExtentsSkipped int
	Elapsed        time.Duration
}

// Copier copies plan extents in ascending offset order. With Workers > 1
// extents are copied by a small pool; the resume-log record for an extent
// is still written strictly after that extent's data.
type Copier struct {
	RetryLimit int
	RetryDelay time.Duration
	BufferSize int
	Workers    int

	Logger *log.Entry
}

// Copy transfers exactly the data extents of plan from src to dst.
// Bytes outside the data extents are never read or written, so any
// pre-existing zero-fill on the destination is preserved.
//
// logPath names the sidecar resume log; extents recorded there by a
// previous run are skipped. The log is removed on full success.
//
// Cancellation is honored between extents: the extent in flight is
// always completed (or fails on its own) first.
func (c *Copier) Copy(ctx context.Context, plan *sparse.TransferPlan, src io.ReaderAt, dst io.WriterAt, logPath string) (*Report, error) {
	retryLimit := c.RetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}

	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	bufsize := c.BufferSize
	if bufsize <= 0 {
		bufsize = defaultBufferSize
	}

	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}

	logger := c.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	// Validate before any worker starts: once extents are in flight
	// the only safe exit is group.Wait()
	for _, e := range plan.Extents {
		if e.Length == 0 {
			return nil, &SegmentCopyError{e.Offset, e.Length, fmt.Errorf("zero-length extent")}
		}
	}

	rlog, err := openResumeLog(logPath)
	if err != nil {
		return nil, err
	}

	report := Report{}
	started := time.Now()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	results := make([]uint64, len(plan.Extents))

	for idx, e := range plan.Extents {
		if rlog.completed(e.Offset, e.Length) {
			report.ExtentsSkipped++
			continue
		}

		// Cancellation point: no new extent is started once the
		// context is done or a sibling extent has failed for good,
		// the ones in flight run to completion.
		if err := gctx.Err(); err != nil {
			break
		}

		idx, e := idx, e

		group.Go(func() error {
			if err := c.copyExtent(ctx, e, src, dst, bufsize, retryLimit, retryDelay, logger); err != nil {
				return err
			}

			// Write-after-copy: the record must never precede the data
			if err := rlog.add(e.Offset, e.Length); err != nil {
				return err
			}

			results[idx] = e.Length

			return nil
		})
	}

	copyErr := group.Wait()

	for _, n := range results {
		if n > 0 {
			report.BytesCopied += n
			report.ExtentsCopied++
		}
	}

	report.Elapsed = time.Since(started)

	if copyErr != nil {
		rlog.close()
		return &report, copyErr
	}

	if err := ctx.Err(); err != nil {
		rlog.close()
		return &report, err
	}

	if err := rlog.discard(); err != nil {
		return &report, err
	}

	logger.Infof("Copied %d bytes in %d extents (%d skipped) in %s",
		report.BytesCopied, report.ExtentsCopied, report.ExtentsSkipped, report.Elapsed)

	return &report, nil
}

// copyExtent copies one extent in full, retrying the whole extent with
// exponential backoff on failure.
func (c *Copier) copyExtent(ctx context.Context, e sparse.Extent, src io.ReaderAt, dst io.WriterAt, bufsize, retryLimit int, retryDelay time.Duration, logger *log.Entry) error {
	var lastErr error

	delay := retryDelay

	for attempt := 0; attempt <= retryLimit; attempt++ {
		if attempt > 0 {
			logger.Warnf("Retrying extent [%d, %d) after error: %s", e.Offset, e.Offset+e.Length, lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
		}

		if lastErr = copyOnce(e, src, dst, bufsize); lastErr == nil {
			return nil
		}
	}

	return &SegmentCopyError{e.Offset, e.Length, lastErr}
}

func copyOnce(e sparse.Extent, src io.ReaderAt, dst io.WriterAt, bufsize int) error {
	buf := make([]byte, bufsize)

	var done uint64

	for done < e.Length {
		chunk := e.Length - done
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		offset := int64(e.Offset + done)

		n, err := src.ReadAt(buf[:chunk], offset)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offset); werr != nil {
				return werr
			}

			done += uint64(n)
		}

		if err != nil {
			if err == io.EOF && done == e.Length {
				break
			}
			return err
		}
	}

	return nil
}
