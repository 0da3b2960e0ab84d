package main

import (
	"github.com/0xef53/vmigrate/internal/qemuimg"
	"github.com/0xef53/vmigrate/migration"

	cli "github.com/urfave/cli/v2"
)

func newConverter() (qemuimg.Converter, error) {
	return qemuimg.New()
}

var diskFlag = &cli.IntFlag{
	Name:        "disk",
	Value:       migration.AllDisks,
	DefaultText: "all disks",
	Usage:       "process only the disk with this `INDEX`",
}

var cmdExport = &cli.Command{
	Name:      "export",
	Usage:     "export the source VM disks into the staging area",
	ArgsUsage: "VMNAME",
	HideHelp:  true,
	Category:  "Pipeline",
	Flags: []cli.Flag{
		diskFlag,
		&cli.BoolFlag{Name: "force", Usage: "export even if the VM is powered on"},
		&cli.BoolFlag{Name: "power-off", Usage: "power off the VM before exporting"},
		&cli.BoolFlag{Name: "no-convert", Usage: "keep the exported disks raw, skip the qcow2 conversion"},
	},
	Action: func(c *cli.Context) error {
		until := migration.PhaseConverting

		if c.Bool("no-convert") {
			until = migration.PhaseExporting
		}

		return executeSegment(c, migration.PhaseExporting, until)
	},
}

var cmdConvert = &cli.Command{
	Name:      "convert",
	Usage:     "convert staged raw disks to compressed qcow2",
	ArgsUsage: "VMNAME",
	HideHelp:  true,
	Category:  "Pipeline",
	Flags: []cli.Flag{
		diskFlag,
	},
	Action: func(c *cli.Context) error {
		return executeSegment(c, migration.PhaseConverting, migration.PhaseConverting)
	},
}

var cmdImport = &cli.Command{
	Name:      "import",
	Usage:     "import staged disks into target volumes",
	ArgsUsage: "VMNAME",
	HideHelp:  true,
	Category:  "Pipeline",
	Description: `Creates one block volume per staged disk and copies only the
data extents onto it, preserving sparseness. Re-invocation after a
failure resumes from the first incomplete extent.`,
	Flags: []cli.Flag{
		diskFlag,
		&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "target `NAMESPACE` (overrides the configured one)"},
		&cli.StringFlag{Name: "storage-class", Usage: "storage class `NAME` for the created volumes"},
		&cli.BoolFlag{Name: "with-dissociation", Usage: "also dissociate the VM volumes after import"},
	},
	Action: func(c *cli.Context) error {
		until := migration.PhaseImporting

		if c.Bool("with-dissociation") {
			until = migration.PhaseDissociating
		}

		return executeSegment(c, migration.PhaseImporting, until)
	},
}

var cmdDissociate = &cli.Command{
	Name:      "dissociate",
	Usage:     "decouple the imported VM volumes from their backing image",
	ArgsUsage: "VMNAME",
	HideHelp:  true,
	Category:  "Pipeline",
	Description: `Clones every imported volume of the VM, repoints the VM
definition to the clones in a single update, and deletes the
originals. A deletion failure leaves an orphaned volume and is
reported as a warning, not an error.

All disks of the VM are dissociated together: a VM referencing a
mix of image-backed and independent volumes is never produced.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "target `NAMESPACE` (overrides the configured one)"},
	},
	Action: func(c *cli.Context) error {
		return executeSegment(c, migration.PhaseDissociating, migration.PhaseDissociating)
	},
}
