package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pattern(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 239)
	}
	return b
}

// flakySource fails the first read of every distinct offset once.
type flakySource struct {
	inner io.ReaderAt
	seen  map[int64]bool
}

func (s *flakySource) ReadAt(p []byte, off int64) (int, error) {
	if s.seen == nil {
		s.seen = make(map[int64]bool)
	}

	if !s.seen[off] {
		s.seen[off] = true
		return 0, fmt.Errorf("transient network error at %d", off)
	}

	return s.inner.ReadAt(p, off)
}

func TestRangeDownload(t *testing.T) {
	content := pattern(1 << 20)
	dst := filepath.Join(t.TempDir(), "disk0.raw")

	d := RangeDownload{Workers: 4, ChunkSize: 64 << 10}

	if err := d.Fetch(context.Background(), bytes.NewReader(content), uint64(len(content)), dst, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
}

func TestRangeDownload_UnevenLength(t *testing.T) {
	// Length not divisible by the worker count: the last range
	// takes the remainder
	content := pattern(1<<20 + 12345)
	dst := filepath.Join(t.TempDir(), "disk0.raw")

	d := RangeDownload{Workers: 4, ChunkSize: 64 << 10}

	if err := d.Fetch(context.Background(), bytes.NewReader(content), uint64(len(content)), dst, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
}

func TestRangeDownload_WorkerRetries(t *testing.T) {
	content := pattern(256 << 10)
	dst := filepath.Join(t.TempDir(), "disk0.raw")

	src := flakySource{inner: bytes.NewReader(content)}

	d := RangeDownload{Workers: 2, ChunkSize: 32 << 10, RetryLimit: 3, RetryDelay: time.Millisecond}

	if err := d.Fetch(context.Background(), &src, uint64(len(content)), dst, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
}

func TestSelector_DirectMount(t *testing.T) {
	// An empty Source means the export is already mounted (or local)
	mountDir := t.TempDir()
	content := pattern(128 << 10)

	if err := os.MkdirAll(filepath.Join(mountDir, ".exports"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mountDir, ".exports", "vdisk-1"), content, 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "disk0.raw")

	s := Selector{
		Mount:    &DirectMount{MountDir: mountDir},
		Download: &RangeDownload{},
	}

	outcomes, err := s.Fetch(context.Background(), &Request{
		MountPath: filepath.Join(".exports", "vdisk-1"),
		Dst:       dst,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(outcomes) != 1 || outcomes[0].Kind != DirectMountSuccess {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("copied content differs from source")
	}
}

func TestDirectMount_UnmountIdle(t *testing.T) {
	// Cleanup runs unconditionally after every export, including
	// runs where the fallback did the work and nothing was mounted
	m := DirectMount{MountDir: t.TempDir()}

	if err := m.Unmount(); err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}
	if err := m.Unmount(); err != nil {
		t.Fatalf("[2]: unexpected error: %s", err)
	}
}

func TestSelector_FallbackToDownload(t *testing.T) {
	// The disk file cannot be located under the mount root: a non-fatal
	// condition that must trigger the fallback, not a migration failure
	content := pattern(128 << 10)
	dst := filepath.Join(t.TempDir(), "disk0.raw")

	s := Selector{
		Mount:    &DirectMount{MountDir: t.TempDir()},
		Download: &RangeDownload{Workers: 2, ChunkSize: 32 << 10},
	}

	outcomes, err := s.Fetch(context.Background(), &Request{
		MountPath: filepath.Join(".exports", "no-such-vdisk"),
		Open: func(ctx context.Context) (io.ReaderAt, uint64, func(), error) {
			return bytes.NewReader(content), uint64(len(content)), func() {}, nil
		},
		Dst: dst,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes instead of 2", len(outcomes))
	}
	if outcomes[0].Kind != DirectMountFailed || outcomes[0].Reason == nil {
		t.Fatalf("unexpected first outcome: %+v", outcomes[0])
	}
	if outcomes[1].Kind != DownloadSuccess {
		t.Fatalf("unexpected second outcome: %+v", outcomes[1])
	}

	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(content)) {
		t.Fatalf("staging file size is %d instead of %d", fi.Size(), len(content))
	}
}

func TestSelector_BothFailed(t *testing.T) {
	s := Selector{
		Mount:    &DirectMount{MountDir: t.TempDir()},
		Download: &RangeDownload{RetryLimit: 1, RetryDelay: time.Millisecond},
	}

	outcomes, err := s.Fetch(context.Background(), &Request{
		MountPath: "no-such-vdisk",
		Open: func(ctx context.Context) (io.ReaderAt, uint64, func(), error) {
			return nil, 0, nil, fmt.Errorf("authentication failed")
		},
		Dst: filepath.Join(t.TempDir(), "disk0.raw"),
	})

	if !IsTransferStrategyError(err) {
		t.Fatalf("got %v instead of transfer strategy error", err)
	}

	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes instead of 2", len(outcomes))
	}
	if outcomes[1].Kind != DownloadFailed {
		t.Fatalf("unexpected second outcome: %+v", outcomes[1])
	}

	e := err.(*TransferStrategyError)
	if e.MountErr == nil || e.DownloadErr == nil {
		t.Fatalf("aggregate error is missing a cause: %+v", e)
	}
}
