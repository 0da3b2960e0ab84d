package segcopy

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// resumeLog is a sequential record of fully copied extents. A line is
// appended (and fsync'd) only after the corresponding extent has been
// written out completely, so a crash mid-extent leaves no record and
// the extent is re-copied in full on the next run.
type resumeLog struct {
	mu   sync.Mutex
	f    *os.File
	done map[uint64]uint64
}

func openResumeLog(path string) (*resumeLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := resumeLog{
		f:    f,
		done: make(map[uint64]uint64),
	}

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		var offset, length uint64

		if _, err := fmt.Sscanf(scanner.Text(), "%d %d", &offset, &length); err != nil {
			// A torn last line is expected after a crash
			continue
		}

		l.done[offset] = length
	}

	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, err
	}

	return &l, nil
}

// completed reports whether an extent with this exact offset and length
// has already been copied by a previous run.
func (l *resumeLog) completed(offset, length uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.done[offset]

	return ok && v == length
}

// add records a finished extent. The write is flushed to stable storage
// before returning.
func (l *resumeLog) add(offset, length uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := fmt.Fprintf(l.f, "%d %d\n", offset, length); err != nil {
		return err
	}

	if err := l.f.Sync(); err != nil {
		return err
	}

	l.done[offset] = length

	return nil
}

func (l *resumeLog) close() error {
	return l.f.Close()
}

// discard removes the log file once the whole plan has been copied.
func (l *resumeLog) discard() error {
	name := l.f.Name()

	if err := l.f.Close(); err != nil {
		return err
	}

	return os.Remove(name)
}
