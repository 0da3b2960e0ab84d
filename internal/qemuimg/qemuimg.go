// Package qemuimg wraps the qemu-img binary behind the Converter
// capability interface: format conversion plus image inspection
// and occupancy map queries.
package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/0xef53/vmigrate/internal/helpers"
	"github.com/0xef53/vmigrate/internal/sparse"
	"github.com/0xef53/vmigrate/internal/version"
)

// MinVersion is the oldest qemu-img known to support
// "map --output=json" the way we parse it.
var MinVersion = version.MustParse("2.12.0")

type Format string

const (
	FormatRaw   Format = "raw"
	FormatQcow2 Format = "qcow2"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatRaw:
		return FormatRaw, nil
	case FormatQcow2:
		return FormatQcow2, nil
	}

	return "", fmt.Errorf("unsupported image format: %s", s)
}

// ImageInfo is the subset of "qemu-img info" output the pipeline needs.
type ImageInfo struct {
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	VirtualSize uint64 `json:"virtual-size"`
	ActualSize  uint64 `json:"actual-size"`
}

// Converter is the external conversion capability. Implementations must
// never mutate the source image.
type Converter interface {
	Convert(ctx context.Context, src string, srcFormat Format, dst string, dstFormat Format, compress bool) error
	Inspect(ctx context.Context, path string) (*ImageInfo, error)
	Map(ctx context.Context, path string) ([]sparse.MapEntry, error)
}

// ConversionError indicates a non-zero exit or unsupported format pair.
// It is fatal for the affected disk only.
type ConversionError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *ConversionError) Error() string {
	out := strings.TrimSpace(e.Output)

	if len(out) > 256 {
		out = "... " + out[len(out)-256:]
	}

	return fmt.Sprintf("qemu-img %s: exit code %d: %s", strings.Join(e.Args, " "), e.ExitCode, out)
}

func IsConversionError(err error) bool {
	if _, ok := err.(*ConversionError); ok {
		return true
	}

	return false
}

// QemuImg implements Converter via the qemu-img binary.
type QemuImg struct {
	binary string
}

func New() (*QemuImg, error) {
	binary, err := exec.LookPath("qemu-img")
	if err != nil {
		return nil, err
	}

	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("qemu-img --version: %w", err)
	}

	v, err := version.ParseToolVersion(string(out))
	if err != nil {
		return nil, err
	}

	if v.Int() < MinVersion.Int() {
		return nil, fmt.Errorf("qemu-img %s is too old, need at least %s", v, MinVersion)
	}

	return &QemuImg{binary: binary}, nil
}

func (q *QemuImg) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, q.binary, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		code, _ := helpers.CommandExitCode(err)

		return nil, &ConversionError{
			Args:     args,
			ExitCode: code,
			Output:   string(out),
		}
	}

	return out, nil
}

// Convert writes a new image at dst. The source image is opened read-only
// and is never modified.
func (q *QemuImg) Convert(ctx context.Context, src string, srcFormat Format, dst string, dstFormat Format, compress bool) error {
	args := []string{"convert", "-f", string(srcFormat), "-O", string(dstFormat)}

	if compress {
		if dstFormat != FormatQcow2 {
			return &ConversionError{
				Args:   args,
				Output: fmt.Sprintf("compression is not supported for the %s format", dstFormat),
			}
		}

		args = append(args, "-c")
	}

	args = append(args, src, dst)

	_, err := q.run(ctx, args...)

	return err
}

// Inspect reports the virtual size and format of an image.
func (q *QemuImg) Inspect(ctx context.Context, path string) (*ImageInfo, error) {
	out, err := q.run(ctx, "info", "--output=json", path)
	if err != nil {
		return nil, err
	}

	return parseInfo(out)
}

// Map queries the image occupancy map.
func (q *QemuImg) Map(ctx context.Context, path string) ([]sparse.MapEntry, error) {
	out, err := q.run(ctx, "map", "--output=json", path)
	if err != nil {
		return nil, err
	}

	return parseMap(out)
}

func parseInfo(b []byte) (*ImageInfo, error) {
	info := ImageInfo{}

	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("unable to parse qemu-img info output: %w", err)
	}

	return &info, nil
}

func parseMap(b []byte) ([]sparse.MapEntry, error) {
	entries := make([]sparse.MapEntry, 0, 8)

	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("unable to parse qemu-img map output: %w", err)
	}

	return entries, nil
}
