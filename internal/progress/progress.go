// Package progress renders terminal progress bars for long copy
// operations, one bar per disk.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/gosuri/uiprogress/util/strutil"
	"golang.org/x/sync/errgroup"
)

// Bar describes a single tracked operation: a label to show on the
// left and the total number of bytes the operation is going to move.
type Bar struct {
	Name  string
	Total uint64
}

// Update is a progress sample produced by a poller: how many bytes
// of the named operation are done so far. Failed == true freezes the
// bar in its current position with a "failed" status.
type Update struct {
	Name   string
	Done   uint64
	Failed bool
}

// Renderer drives a set of byte-counting progress bars from a poller
// function. The poller pushes Update samples via the given callback
// and returns when all watched operations have finished.
type Renderer struct {
	sync.Mutex

	bars   []Bar
	poller func(context.Context, func(Update)) error

	err error
}

func NewRenderer(poller func(context.Context, func(Update)) error, bars ...Bar) *Renderer {
	return &Renderer{
		poller: poller,
		bars:   bars,
	}
}

// Show blocks until the poller returns and all bars have drained.
func (r *Renderer) Show() {
	group, ctx := errgroup.WithContext(context.Background())

	pipes := make(map[string]chan Update)

	for _, b := range r.bars {
		pipes[b.Name] = make(chan Update)
	}

	push := func(u Update) {
		if pipe, ok := pipes[u.Name]; ok {
			pipe <- u
		}
	}

	group.Go(func() error {
		defer func() {
			for _, pipe := range pipes {
				close(pipe)
			}
		}()

		return r.poller(ctx, push)
	})

	group.Go(func() error {
		var wg sync.WaitGroup

		for _, b := range r.bars {
			wg.Add(1)

			go r.renderOne(b, pipes[b.Name], &wg)

			// This keeps the order of given bar names
			time.Sleep(time.Millisecond)
		}

		uiprogress.Start()
		defer func() {
			uiprogress.Stop()
			fmt.Println()
		}()

		wg.Wait()

		return nil
	})

	err := group.Wait()

	r.Lock()
	defer r.Unlock()

	r.err = err
}

func (r *Renderer) Err() error {
	r.Lock()
	defer r.Unlock()

	return r.err
}

func (r *Renderer) renderOne(b Bar, pipe <-chan Update, wg *sync.WaitGroup) {
	defer wg.Done()

	total := b.Total
	if total == 0 {
		// A zero-length operation completes instantly,
		// but the bar arithmetic still needs a divisor.
		total = 1
	}

	bar := uiprogress.AddBar(100).AppendCompleted()
	bar.Width = 40

	var status string
	var done uint64

	bar.PrependFunc(func(_ *uiprogress.Bar) string {
		return strutil.Resize(fmt.Sprintf("%s: %*s", b.Name, (30-len(b.Name)), status), 33)
	})
	bar.AppendFunc(func(_ *uiprogress.Bar) string {
		return fmt.Sprintf(" %s / %s", SizeString(done), SizeString(b.Total))
	})

	bar.Set(0)

	var failed bool

	for u := range pipe {
		// A failed bar freezes but keeps draining its pipe so the
		// poller never blocks on it
		if failed {
			continue
		}

		if u.Failed {
			status = "failed"
			failed = true
			bar.Set(bar.Current())
			continue
		}

		done = u.Done

		switch pct := int(done * 100 / total); {
		case pct == 0:
			status = "waiting"
			bar.Set(0)
		case pct >= 100:
			status = "completed"
			done = b.Total
			bar.Set(100)
		default:
			status = "copying"
			bar.Set(pct)
		}
	}
}

// SizeString formats a byte count using binary units.
func SizeString(n uint64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.1f TiB", float64(n)/(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}

	return fmt.Sprintf("%d B", n)
}
