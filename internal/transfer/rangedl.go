package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDownloadWorkers = 4
	defaultDownloadRetries = 5
	defaultDownloadDelay   = time.Second
	defaultDownloadChunk   = 8 << 20
)

// RangeDownload stages a disk by partitioning its content length into
// equal contiguous ranges and reading them concurrently, each worker
// writing directly to its offset in the destination file.
//
// The source handle must serve independent byte-range reads (each ReadAt
// translates into one authenticated range request).
type RangeDownload struct {
	Workers    int
	RetryLimit int
	RetryDelay time.Duration
	ChunkSize  int

	Logger *log.Entry
}

// Fetch downloads length bytes from src into dstname. It completes only
// when every range has been read in full and the destination file size
// matches the expected length.
func (d *RangeDownload) Fetch(ctx context.Context, src io.ReaderAt, length uint64, dstname string, progress func(copied, total uint64)) error {
	workers := d.Workers
	if workers <= 0 {
		workers = defaultDownloadWorkers
	}
	if uint64(workers) > length && length > 0 {
		workers = 1
	}

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultDownloadChunk
	}

	logger := d.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	dst, err := os.OpenFile(dstname, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := dst.Truncate(int64(length)); err != nil {
		return err
	}

	if length == 0 {
		return nil
	}

	rangeSize := length / uint64(workers)

	logger.Debugf("Downloading %d bytes in %d ranges of ~%d bytes", length, workers, rangeSize)

	var copied atomic.Uint64

	group, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		start := uint64(i) * rangeSize
		end := start + rangeSize
		if i == workers-1 {
			end = length
		}

		group.Go(func() error {
			return d.fetchRange(gctx, src, dst, start, end, chunkSize, func(n int) {
				done := copied.Add(uint64(n))

				if progress != nil {
					progress(done, length)
				}
			})
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	fi, err := dst.Stat()
	if err != nil {
		return err
	}
	if uint64(fi.Size()) != length {
		return fmt.Errorf("size mismatch after download: %d != %d", fi.Size(), length)
	}

	return dst.Sync()
}

// fetchRange reads [start, end) chunk by chunk. Transient failures are
// retried with exponential backoff without disturbing sibling workers.
func (d *RangeDownload) fetchRange(ctx context.Context, src io.ReaderAt, dst io.WriterAt, start, end uint64, chunkSize int, advance func(int)) error {
	retryLimit := d.RetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultDownloadRetries
	}

	retryDelay := d.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultDownloadDelay
	}

	buf := make([]byte, chunkSize)

	offset := start

	for offset < end {
		chunk := end - offset
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		var n int
		var lastErr error

		delay := retryDelay

		for attempt := 0; attempt <= retryLimit; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}

				delay *= 2
			}

			n, lastErr = src.ReadAt(buf[:chunk], int64(offset))
			if lastErr == nil || (lastErr == io.EOF && uint64(n) == chunk) {
				lastErr = nil
				break
			}

			n = 0
		}

		if lastErr != nil {
			return fmt.Errorf("range [%d, %d): read at %d: %w", start, end, offset, lastErr)
		}

		if _, err := dst.WriteAt(buf[:n], int64(offset)); err != nil {
			return err
		}

		offset += uint64(n)

		advance(n)

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
