package migration

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/0xef53/vmigrate/internal/qemuimg"
	"github.com/0xef53/vmigrate/internal/sparse"
	"github.com/0xef53/vmigrate/internal/staging"
	"github.com/0xef53/vmigrate/internal/transfer"
	"github.com/0xef53/vmigrate/pkg/harvester"
)

type fakeExporter struct {
	mu sync.Mutex

	content map[int][]byte
	calls   int
}

func (e *fakeExporter) Fetch(_ context.Context, disk DiskRef, dst string, progress func(copied, total uint64)) ([]transfer.StrategyOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++

	b, ok := e.content[disk.Index]
	if !ok {
		return nil, os.ErrNotExist
	}

	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return nil, err
	}

	if progress != nil {
		progress(uint64(len(b)), uint64(len(b)))
	}

	return []transfer.StrategyOutcome{{Kind: transfer.DirectMountSuccess}}, nil
}

// fakeConverter copies files verbatim regardless of format and
// derives occupancy maps by scanning for nonzero 4 KiB chunks.
type fakeConverter struct {
	failDst string
}

func (c *fakeConverter) Convert(_ context.Context, src string, _ qemuimg.Format, dst string, _ qemuimg.Format, _ bool) error {
	if c.failDst != "" && strings.Contains(dst, c.failDst) {
		return &qemuimg.ConversionError{Args: []string{"convert", dst}, ExitCode: 1, Output: "unsupported"}
	}

	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, b, 0o644)
}

func (c *fakeConverter) Inspect(_ context.Context, path string) (*qemuimg.ImageInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	format := "raw"
	if strings.HasSuffix(path, ".qcow2") {
		format = "qcow2"
	}

	return &qemuimg.ImageInfo{
		Filename:    path,
		Format:      format,
		VirtualSize: uint64(fi.Size()),
		ActualSize:  uint64(fi.Size()),
	}, nil
}

func (c *fakeConverter) Map(_ context.Context, path string) ([]sparse.MapEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	const chunk = 4096

	var entries []sparse.MapEntry

	zero := make([]byte, chunk)

	for off := 0; off < len(b); off += chunk {
		end := off + chunk
		if end > len(b) {
			end = len(b)
		}

		if bytes.Equal(b[off:end], zero[:end-off]) {
			continue
		}

		length := uint64(end - off)

		if n := len(entries); n > 0 && entries[n-1].Start+entries[n-1].Length == uint64(off) {
			entries[n-1].Length += length
		} else {
			entries = append(entries, sparse.MapEntry{Start: uint64(off), Length: length, Data: true})
		}
	}

	return entries, nil
}

func testDiskContent(size int) []byte {
	b := make([]byte, size)

	copy(b[0:], bytes.Repeat([]byte("head"), 1024))        // 4 KiB at the start
	copy(b[size/2:], bytes.Repeat([]byte("body"), 1024))   // 4 KiB in the middle

	return b
}

func newTestOrchestrator(t *testing.T, exp *fakeExporter, conv *fakeConverter, target *fakeTarget) *Orchestrator {
	t.Helper()

	area, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	return &Orchestrator{
		VMID:       "42a1",
		VMName:     "web_server",
		Namespace:  "default",
		DiskFilter: AllDisks,
		Disks: []DiskRef{
			{UUID: "d1", Index: 0, VirtualSize: 1 << 20, ExportPath: ".acropolis/vmdisk/d1"},
			{UUID: "d2", Index: 1, VirtualSize: 1 << 20, ExportPath: ".acropolis/vmdisk/d2"},
		},
		Exporter:  exp,
		Converter: conv,
		Target:    target,
		Area:      area,
		Store:     NewStateStore(area),
	}
}

func TestOrchestratorFullRun(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}
	target := newFakeTarget(t)

	o := newTestOrchestrator(t, exp, &fakeConverter{}, target)

	st, err := o.Run(context.Background(), PhaseExporting, PhaseImporting)
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if st.Phase != PhaseDone {
		t.Fatalf("[1]: unexpected phase: %s", st.Phase)
	}

	for _, d := range st.Disks {
		if d.Phase != PhaseDone {
			t.Fatalf("[2]: disk %d: unexpected phase: %s", d.Index, d.Phase)
		}

		// Only the two 4 KiB data chunks were transferred
		if d.BytesCopied != 8192 {
			t.Fatalf("[2]: disk %d: unexpected bytes copied: %d", d.Index, d.BytesCopied)
		}

		if d.Strategy != "direct-mount-success" {
			t.Fatalf("[2]: disk %d: unexpected strategy: %s", d.Index, d.Strategy)
		}
	}

	for i, want := range []string{"web-server-disk0", "web-server-disk1"} {
		if st.Disks[i].Volume != want {
			t.Fatalf("[3]: disk %d: unexpected volume name: %s", i, st.Disks[i].Volume)
		}

		fname, err := target.AttachVolume(context.Background(), want)
		if err != nil {
			t.Fatalf("[3]: %s", err)
		}

		got, err := os.ReadFile(fname)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(got, exp.content[i]) {
			t.Fatalf("[3]: disk %d: volume content differs from source", i)
		}
	}

	// The persisted document matches the returned one
	loaded, err := o.Store.Load("42a1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Phase != PhaseDone || len(loaded.Disks) != 2 {
		t.Fatalf("[4]: unexpected persisted state: %+v", loaded)
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}
	target := newFakeTarget(t)

	// Conversion of disk 1 fails, disk 0 must still go through
	conv := &fakeConverter{failDst: "disk1.qcow2"}

	o := newTestOrchestrator(t, exp, conv, target)

	st, err := o.Run(context.Background(), PhaseExporting, PhaseImporting)
	if !qemuimg.IsConversionError(err) {
		t.Fatalf("[1]: expected a conversion error, got: %v", err)
	}

	if st.Phase != PhaseFailed {
		t.Fatalf("[1]: unexpected phase: %s", st.Phase)
	}

	if d := st.Disk(0); d.Phase != PhaseDone || d.Volume != "web-server-disk0" {
		t.Fatalf("[2]: disk 0 did not finish independently: %+v", d)
	}

	if d := st.Disk(1); d.Phase != PhaseFailed || d.LastError == "" {
		t.Fatalf("[3]: disk 1 is not marked failed: %+v", d)
	}

	if _, err := target.AttachVolume(context.Background(), "web-server-disk1"); err == nil {
		t.Fatalf("[4]: volume for the failed disk exists")
	}
}

func TestOrchestratorArtifactReuse(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}

	o := newTestOrchestrator(t, exp, &fakeConverter{}, newFakeTarget(t))

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseExporting); err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if exp.calls != 2 {
		t.Fatalf("[1]: unexpected fetch count: %d", exp.calls)
	}

	// Re-running the export reuses the staged artifacts
	st, err := o.Run(context.Background(), PhaseExporting, PhaseExporting)
	if err != nil {
		t.Fatalf("[2]: unexpected error: %s", err)
	}

	if exp.calls != 2 {
		t.Fatalf("[2]: artifacts were transferred again: %d fetches", exp.calls)
	}

	if st.Phase != PhaseExporting {
		t.Fatalf("[2]: unexpected phase: %s", st.Phase)
	}
}

func TestOrchestratorDissociation(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}
	target := newFakeTarget(t)

	o := newTestOrchestrator(t, exp, &fakeConverter{}, target)

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseImporting); err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	// The operator created the target VM referencing the volumes
	target.bindings["web_server"] = []harvester.VolumeBinding{
		{VolumeName: "disk-0", ClaimName: "web-server-disk0", DataVolume: true},
		{VolumeName: "disk-1", ClaimName: "web-server-disk1", DataVolume: true},
	}

	st, err := o.Run(context.Background(), PhaseDissociating, PhaseDissociating)
	if err != nil {
		t.Fatalf("[2]: unexpected error: %s", err)
	}

	if st.Phase != PhaseDone {
		t.Fatalf("[2]: unexpected phase: %s", st.Phase)
	}

	for i, want := range []string{"web-server-disk0-mig", "web-server-disk1-mig"} {
		if st.Disks[i].Volume != want {
			t.Fatalf("[3]: disk %d: unexpected volume after dissociation: %s", i, st.Disks[i].Volume)
		}
	}

	if target.repointCalls != 1 {
		t.Fatalf("[4]: expected one repoint call, got %d", target.repointCalls)
	}
}

func TestOrchestratorSingleDiskThenFull(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}
	target := newFakeTarget(t)

	o := newTestOrchestrator(t, exp, &fakeConverter{}, target)

	// Only disk 0 goes through; the VM must not be reported finished
	o.DiskFilter = 0

	st, err := o.Run(context.Background(), PhaseExporting, PhaseImporting)
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if st.Phase == PhaseDone {
		t.Fatalf("[1]: VM marked finished with an unmigrated disk")
	}

	if d := st.Disk(0); d.Phase != PhaseDone {
		t.Fatalf("[2]: disk 0: unexpected phase: %s", d.Phase)
	}
	if d := st.Disk(1); d.Phase != PhasePending {
		t.Fatalf("[2]: disk 1: unexpected phase: %s", d.Phase)
	}

	// The follow-up full run picks up the remaining disk
	o.DiskFilter = AllDisks

	st, err = o.Run(context.Background(), PhaseExporting, PhaseImporting)
	if err != nil {
		t.Fatalf("[3]: unexpected error: %s", err)
	}

	if st.Phase != PhaseDone {
		t.Fatalf("[3]: unexpected phase: %s", st.Phase)
	}

	for _, d := range st.Disks {
		if d.Phase != PhaseDone {
			t.Fatalf("[3]: disk %d: unexpected phase: %s", d.Index, d.Phase)
		}
	}

	// The finished disk is not exported again
	if exp.calls != 2 {
		t.Fatalf("[4]: unexpected fetch count: %d", exp.calls)
	}

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseImporting); err != ErrAlreadyMigrated {
		t.Fatalf("[5]: expected ErrAlreadyMigrated, got: %v", err)
	}
}

func TestOrchestratorDissociationCoversAllDisks(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}
	target := newFakeTarget(t)

	o := newTestOrchestrator(t, exp, &fakeConverter{}, target)

	// Only disk 0 was imported: dissociation must refuse to repoint
	// a partial volume set rather than leave the VM half-independent
	o.DiskFilter = 0

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseImporting); err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	target.bindings["web_server"] = []harvester.VolumeBinding{
		{VolumeName: "disk-0", ClaimName: "web-server-disk0", DataVolume: true},
	}

	st, err := o.Run(context.Background(), PhaseDissociating, PhaseDissociating)
	if err == nil {
		t.Fatalf("[2]: partial dissociation was allowed")
	}

	if st.Phase != PhaseFailed {
		t.Fatalf("[2]: unexpected phase: %s", st.Phase)
	}

	if target.repointCalls != 0 {
		t.Fatalf("[3]: VM bindings were updated: %d repoint calls", target.repointCalls)
	}
}

func TestOrchestratorAlreadyMigrated(t *testing.T) {
	exp := &fakeExporter{content: map[int][]byte{
		0: testDiskContent(1 << 20),
		1: testDiskContent(1 << 20),
	}}

	o := newTestOrchestrator(t, exp, &fakeConverter{}, newFakeTarget(t))

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseImporting); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Run(context.Background(), PhaseExporting, PhaseImporting); err != ErrAlreadyMigrated {
		t.Fatalf("[1]: expected ErrAlreadyMigrated, got: %v", err)
	}
}
