package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidValue = errors.New("invalid value")

type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

func Parse(s string) (*Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")

	if len(parts) > 3 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidValue, s)
	}

	vv := make([]int, 3)

	for idx, part := range parts {
		if v, err := strconv.Atoi(part); err == nil {
			vv[idx] = v
		} else {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, s)
		}
	}

	return &Version{
		Major: vv[0],
		Minor: vv[1],
		Micro: vv[2],
	}, nil
}

func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		return &Version{}
	}

	return v
}

// ParseToolVersion extracts a version from the first line of a tool's
// "--version" output, e.g. "qemu-img version 8.2.1 (qemu-8.2.1-1)".
func ParseToolVersion(out string) (*Version, error) {
	line := out
	if idx := strings.IndexByte(line, '\n'); idx != -1 {
		line = line[:idx]
	}

	for _, field := range strings.Fields(line) {
		field = strings.TrimRight(field, ",")

		if c := field[0]; c < '0' || c > '9' {
			continue
		}

		if v, err := Parse(field); err == nil {
			return v, nil
		}
	}

	return nil, fmt.Errorf("%w: no version found in %q", ErrInvalidValue, line)
}

func (v Version) Int() int {
	return v.Major*10000 + v.Minor*100 + v.Micro
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}
