package progress

import (
	"testing"
)

func TestSizeString(t *testing.T) {
	tests := map[uint64]string{
		0:               "0 B",
		512:             "512 B",
		1 << 10:         "1.0 KiB",
		1536:            "1.5 KiB",
		1 << 20:         "1.0 MiB",
		100 << 20:       "100.0 MiB",
		1 << 30:         "1.0 GiB",
		(3 << 30) / 2:   "1.5 GiB",
		1 << 40:         "1.0 TiB",
		512 + (1 << 40): "1.0 TiB",
	}

	for n, want := range tests {
		if got := SizeString(n); got != want {
			t.Fatalf("[%d]: unexpected result: %s (expected %s)", n, got, want)
		}
	}
}
