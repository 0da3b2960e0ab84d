package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const copyBufferSize = 16 << 20

// CopySparse copies only the allocated regions of a file, preserving holes
// on the destination. The destination size always equals the source size.
// Filesystems without SEEK_DATA support get a plain full copy instead.
//
// Returns the number of bytes actually transferred.
func CopySparse(srcname, dstname string, progress func(copied, total uint64)) (uint64, error) {
	src, err := os.Open(srcname)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return 0, err
	}

	total := fi.Size()

	dst, err := createFile(dstname)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	if err := dst.Truncate(total); err != nil {
		return 0, err
	}

	var copied uint64
	var offset int64

	for offset < total {
		dataStart, err := unix.Seek(int(src.Fd()), offset, unix.SEEK_DATA)
		switch {
		case err == nil:
		case errors.Is(err, unix.ENXIO):
			// Nothing but a hole up to the end of file
			offset = total
			continue
		case errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP):
			if offset != 0 {
				return copied, err
			}
			n, err := copyRange(src, dst, 0, total, uint64(total), 0, progress)
			if err != nil {
				return n, err
			}
			return n, dst.Sync()
		default:
			return copied, err
		}

		dataEnd, err := unix.Seek(int(src.Fd()), dataStart, unix.SEEK_HOLE)
		if err != nil {
			return copied, err
		}

		n, err := copyRange(src, dst, dataStart, dataEnd-dataStart, uint64(total), copied, progress)
		copied += n
		if err != nil {
			return copied, err
		}

		offset = dataEnd
	}

	return copied, dst.Sync()
}

func createFile(name string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, err
	}

	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

func copyRange(src, dst *os.File, offset, length int64, total, already uint64, progress func(copied, total uint64)) (uint64, error) {
	buf := make([]byte, copyBufferSize)

	var copied uint64

	for copied < uint64(length) {
		chunk := uint64(length) - copied
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		n, err := src.ReadAt(buf[:chunk], offset+int64(copied))
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offset+int64(copied)); werr != nil {
				return copied, werr
			}

			copied += uint64(n)

			if progress != nil {
				progress(already+copied, total)
			}
		}

		if err != nil {
			if err == io.EOF && copied == uint64(length) {
				break
			}
			return copied, err
		}
	}

	return copied, nil
}
