package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/0xef53/vmigrate/internal/appconf"
	"github.com/0xef53/vmigrate/internal/helpers"
	"github.com/0xef53/vmigrate/internal/segcopy"
	"github.com/0xef53/vmigrate/internal/staging"
	"github.com/0xef53/vmigrate/internal/transfer"
	"github.com/0xef53/vmigrate/migration"
	"github.com/0xef53/vmigrate/pkg/harvester"
	"github.com/0xef53/vmigrate/pkg/nutanix"
	"github.com/0xef53/vmigrate/pkg/vault"

	log_std "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

type appEnv struct {
	cfg   *appconf.Config
	area  *staging.Area
	store *migration.StateStore
	vault vault.Vault

	// Export mount points, detached once every job is finished
	mounts []*transfer.DirectMount
}

func newAppEnv(c *cli.Context) (*appEnv, error) {
	cfgname := c.String("config")

	if cfgname == "" {
		// Without an explicit --config, take the first vmigrate.ini
		// found in the usual locations
		dirs := []string{"/etc"}

		if home, err := os.UserHomeDir(); err == nil {
			dirs = append([]string{filepath.Join(home, ".config")}, dirs...)
		}

		_, fullname, err := helpers.LookForFile("vmigrate.ini", dirs...)
		if err != nil {
			return nil, err
		}

		cfgname = fullname
	}

	cfg, err := appconf.NewConfig(cfgname)
	if err != nil {
		return nil, err
	}

	area, err := staging.New(cfg.Staging.Dir)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.Vault.Backend, cfg.Vault.Path)
	if err != nil {
		return nil, err
	}

	return &appEnv{
		cfg:   cfg,
		area:  area,
		store: migration.NewStateStore(area),
		vault: v,
	}, nil
}

// release detaches the export mounts left behind by the orchestrators.
// An unmount failure is reported but never fails the command.
func (e *appEnv) release() {
	for _, m := range e.mounts {
		if err := m.Unmount(); err != nil {
			log_std.Warnf("Failed to unmount %s: %s", m.MountDir, err)
		}
	}
}

func (e *appEnv) sourceClient() (*nutanix.Client, error) {
	if e.cfg.Source.Endpoint == "" {
		return nil, fmt.Errorf("source endpoint is not configured")
	}

	password, err := e.vault.GetCredential("source.password")
	if err != nil {
		return nil, err
	}

	return nutanix.NewClient(e.cfg.Source.Endpoint, e.cfg.Source.Username, password, e.cfg.Source.Insecure), nil
}

func (e *appEnv) targetClient(namespace string) (*harvester.Client, error) {
	if namespace == "" {
		namespace = e.cfg.Target.Namespace
	}

	return harvester.NewClient(e.cfg.Target.Kubeconfig, namespace)
}

func segmentContains(from, until, p migration.Phase) bool {
	order := map[migration.Phase]int{
		migration.PhaseExporting:    0,
		migration.PhaseConverting:   1,
		migration.PhaseImporting:    2,
		migration.PhaseDissociating: 3,
	}

	return order[from] <= order[p] && order[p] <= order[until]
}

// newOrchestrator assembles the pipeline of one VM for the given
// segment. The source platform is contacted only when the segment
// includes the export phase; everything after that works from the
// staged artifacts and the persisted state document.
func (e *appEnv) newOrchestrator(ctx context.Context, c *cli.Context, vmname string, from, until migration.Phase) (*migration.Orchestrator, error) {
	logger := log_std.WithField("vm", vmname)

	o := &migration.Orchestrator{
		VMID:         vmname,
		VMName:       vmname,
		Namespace:    e.cfg.Target.Namespace,
		StorageClass: e.cfg.Target.StorageClass,
		DiskFilter:   migration.AllDisks,
		Area:         e.area,
		Store:        e.store,
		Copier: &segcopy.Copier{
			RetryLimit: e.cfg.Transfer.RetryLimit,
			Logger:     logger,
		},
		CloneTimeout: 5 * time.Minute,
		Logger:       logger,
	}

	if c.IsSet("disk") {
		o.DiskFilter = c.Int("disk")
	}
	if c.IsSet("namespace") {
		o.Namespace = c.String("namespace")
	}
	if c.IsSet("storage-class") {
		o.StorageClass = c.String("storage-class")
	}

	if segmentContains(from, until, migration.PhaseExporting) {
		client, err := e.sourceClient()
		if err != nil {
			return nil, err
		}

		vm, err := client.FindVM(ctx, vmname)
		if err != nil {
			return nil, err
		}

		if vm.PowerState != nutanix.PowerStateOff {
			switch {
			case c.Bool("power-off"):
				logger.Info("Powering off the source VM")

				if err := client.PowerOff(ctx, vm.UUID); err != nil {
					return nil, err
				}
			case !c.Bool("force"):
				return nil, fmt.Errorf("%w: power it off first or use --power-off / --force", migration.ErrVMPoweredOn)
			}
		}

		disks, err := client.VirtualDisks(ctx, vm.Name)
		if err != nil {
			return nil, err
		}

		for i, d := range disks {
			o.Disks = append(o.Disks, migration.DiskRef{
				UUID:        d.UUID,
				Container:   d.Container,
				ExportPath:  d.ExportPath(),
				Index:       i,
				VirtualSize: d.SizeBytes,
			})
		}

		mnt := &transfer.DirectMount{
			Source:   e.cfg.Source.NFSExport,
			MountDir: e.cfg.Transfer.MountDir,
		}

		e.mounts = append(e.mounts, mnt)

		o.Exporter = &migration.SelectorExporter{
			Selector: &transfer.Selector{
				Mount: mnt,
				Download: &transfer.RangeDownload{
					Workers:    e.cfg.Transfer.DownloadWorkers,
					RetryLimit: e.cfg.Transfer.RetryLimit,
					Logger:     logger,
				},
				Logger: logger,
			},
			OpenStream: migration.PrismStreamOpener(client, vm.Name, logger),
		}
	}

	if segmentContains(from, until, migration.PhaseConverting) || segmentContains(from, until, migration.PhaseImporting) {
		converter, err := newConverter()
		if err != nil {
			return nil, err
		}

		o.Converter = converter
	}

	if segmentContains(from, until, migration.PhaseImporting) || segmentContains(from, until, migration.PhaseDissociating) {
		client, err := e.targetClient(o.Namespace)
		if err != nil {
			return nil, err
		}

		o.Target = &migration.HarvesterTarget{Client: client}
	}

	return o, nil
}

// executeSegment runs one pipeline segment for the VM named by the
// first positional argument.
func executeSegment(c *cli.Context, from, until migration.Phase) error {
	if c.Args().Len() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
	}

	ctx := context.Background()

	e, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer e.release()

	o, err := e.newOrchestrator(ctx, c, c.Args().First(), from, until)
	if err != nil {
		return err
	}

	_, err = o.Run(ctx, from, until)

	return err
}
