// Package transfer moves a disk from source storage to a local staging
// path using the fastest available strategy: a read-only direct mount
// of the source export first, then a parallel authenticated range
// download as the fallback.
package transfer

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type OutcomeKind int

const (
	DirectMountSuccess OutcomeKind = iota
	DirectMountFailed
	DownloadSuccess
	DownloadFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case DirectMountSuccess:
		return "direct-mount-success"
	case DirectMountFailed:
		return "direct-mount-failed"
	case DownloadSuccess:
		return "download-success"
	case DownloadFailed:
		return "download-failed"
	}

	return "unknown"
}

// StrategyOutcome records the result of one strategy attempt. Failed
// attempts carry the reason so the fallback decision stays inspectable.
type StrategyOutcome struct {
	Kind   OutcomeKind
	Reason error
}

// TransferStrategyError aggregates the failures of both strategies.
type TransferStrategyError struct {
	MountErr    error
	DownloadErr error
}

func (e *TransferStrategyError) Error() string {
	return fmt.Sprintf("all transfer strategies failed: direct mount: %s; range download: %s", e.MountErr, e.DownloadErr)
}

func IsTransferStrategyError(err error) bool {
	if _, ok := err.(*TransferStrategyError); ok {
		return true
	}

	return false
}

// Request describes one disk to stage.
type Request struct {
	// Path of the disk file relative to the mount root
	MountPath string

	// Open returns a byte-range-readable handle for the fallback
	// download, its content length, and a release function
	Open func(ctx context.Context) (io.ReaderAt, uint64, func(), error)

	// Destination file in the staging directory
	Dst string

	Progress func(copied, total uint64)
}

// Selector tries the direct-mount strategy first (it is strictly faster
// when available), then falls back to the parallel range download.
// There is no third strategy.
type Selector struct {
	Mount    *DirectMount
	Download *RangeDownload

	Logger *log.Entry
}

// Fetch stages one disk and returns the attempted strategy outcomes in
// order. An error is returned only when every applicable strategy failed.
func (s *Selector) Fetch(ctx context.Context, req *Request) ([]StrategyOutcome, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	outcomes := make([]StrategyOutcome, 0, 2)

	var mountErr error

	if s.Mount != nil && req.MountPath != "" {
		switch _, err := s.Mount.Fetch(ctx, req.MountPath, req.Dst, req.Progress); {
		case err == nil:
			outcomes = append(outcomes, StrategyOutcome{Kind: DirectMountSuccess})
			return outcomes, nil
		default:
			// Mount or locate failures are non-fatal, they only
			// disable this strategy for the current disk
			mountErr = err
			outcomes = append(outcomes, StrategyOutcome{Kind: DirectMountFailed, Reason: err})

			logger.Warnf("Direct-mount strategy failed, falling back to range download: %s", err)
		}
	} else {
		mountErr = fmt.Errorf("strategy not configured")
	}

	var downloadErr error

	if s.Download != nil && req.Open != nil {
		downloadErr = func() error {
			src, length, release, err := req.Open(ctx)
			if err != nil {
				return err
			}
			defer release()

			return s.Download.Fetch(ctx, src, length, req.Dst, req.Progress)
		}()

		if downloadErr == nil {
			outcomes = append(outcomes, StrategyOutcome{Kind: DownloadSuccess})
			return outcomes, nil
		}

		outcomes = append(outcomes, StrategyOutcome{Kind: DownloadFailed, Reason: downloadErr})
	} else {
		downloadErr = fmt.Errorf("strategy not configured")
	}

	return outcomes, &TransferStrategyError{MountErr: mountErr, DownloadErr: downloadErr}
}
