package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0xef53/vmigrate/internal/progress"
	"github.com/0xef53/vmigrate/internal/task"
	"github.com/0xef53/vmigrate/migration"

	cli "github.com/urfave/cli/v2"
)

var cmdMigrate = &cli.Command{
	Name:      "migrate",
	Usage:     "run the whole pipeline for one or more VMs",
	ArgsUsage: "VMNAME...",
	HideHelp:  true,
	Category:  "Pipeline",
	Description: `Exports, converts and imports every disk of the given VMs.
The VMs are migrated concurrently as independent jobs sharing no
state except the staging filesystem.`,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "migrate even if a VM is powered on"},
		&cli.BoolFlag{Name: "power-off", Usage: "power off the VMs before exporting"},
		&cli.BoolFlag{Name: "with-dissociation", Usage: "also dissociate the VM volumes after import"},
		&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "target `NAMESPACE` (overrides the configured one)"},
		&cli.StringFlag{Name: "storage-class", Usage: "storage class `NAME` for the created volumes"},
	},
	Action: runMigrate,
}

type migrateJob struct {
	mu sync.Mutex

	o *migration.Orchestrator

	total  uint64
	done   map[int]uint64
	failed bool

	err error
}

func runMigrate(c *cli.Context) error {
	if c.Args().Len() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
	}

	e, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer e.release()

	ctx := context.Background()

	from := migration.PhaseExporting
	until := migration.PhaseImporting

	if c.Bool("with-dissociation") {
		until = migration.PhaseDissociating
	}

	jobs := make([]*migrateJob, 0, c.Args().Len())
	bars := make([]progress.Bar, 0, c.Args().Len())

	for _, vmname := range c.Args().Slice() {
		o, err := e.newOrchestrator(ctx, c, vmname, from, until)
		if err != nil {
			return err
		}

		j := &migrateJob{o: o, done: make(map[int]uint64)}

		for _, d := range o.Disks {
			j.total += d.VirtualSize
		}

		o.Progress = func(idx int, copied, total uint64) {
			j.mu.Lock()
			j.done[idx] = copied
			j.mu.Unlock()
		}

		jobs = append(jobs, j)
		bars = append(bars, progress.Bar{Name: vmname, Total: j.total})
	}

	pool := task.NewPool()

	var wg sync.WaitGroup

	finished := make(chan struct{})

	for _, j := range jobs {
		wg.Add(1)

		go func(j *migrateJob) {
			defer wg.Done()

			err := pool.RunFunc(ctx, j.o.VMID, func(t *task.FuncTask) error {
				_, err := j.o.Run(t.Ctx(), from, until)

				if errors.Is(err, migration.ErrAlreadyMigrated) {
					return nil
				}

				return err
			})

			j.mu.Lock()
			defer j.mu.Unlock()

			if err != nil {
				j.err = err
				j.failed = true
			}
		}(j)
	}

	go func() {
		wg.Wait()
		close(finished)
	}()

	poller := func(ctx context.Context, push func(progress.Update)) error {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()

		emit := func(final bool) {
			for _, j := range jobs {
				j.mu.Lock()

				var done uint64

				for _, v := range j.done {
					done += v
				}

				failed := j.failed

				j.mu.Unlock()

				if final && !failed {
					done = j.total
				}

				push(progress.Update{Name: j.o.VMID, Done: done, Failed: failed})
			}
		}

		for {
			select {
			case <-finished:
				emit(true)
				return nil
			case <-ticker.C:
				emit(false)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	progress.NewRenderer(poller, bars...).Show()

	pool.WaitAndClosePool()

	for _, j := range jobs {
		if j.err != nil {
			return j.err
		}
	}

	return nil
}
