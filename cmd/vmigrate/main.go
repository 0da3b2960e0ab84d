package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/0xef53/vmigrate/internal/qemuimg"
	"github.com/0xef53/vmigrate/internal/segcopy"
	"github.com/0xef53/vmigrate/internal/sparse"
	"github.com/0xef53/vmigrate/internal/task"
	"github.com/0xef53/vmigrate/internal/transfer"
	"github.com/0xef53/vmigrate/migration"
	"github.com/0xef53/vmigrate/pkg/nutanix"

	log_std "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	Error = log.New(os.Stdout, "Error: ", 0)
)

func init() {
	cli.AppHelpTemplate = AppHelpTemplate
	cli.CommandHelpTemplate = CommandHelpTemplate
	cli.SubcommandHelpTemplate = SubcommandHelpTemplate
}

func main() {
	app := cli.NewApp()

	app.Name = "vmigrate"
	app.Usage = "CLI interface for migrating virtual machine disks between hypervisor platforms"
	app.HideHelpCommand = true

	app.EnableBashCompletion = true

	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, DefaultText: "/etc/vmigrate.ini", Usage: "path to the configuration file"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log_std.SetLevel(log_std.DebugLevel)
		}

		return nil
	}

	app.Commands = []*cli.Command{
		// pipeline actions
		cmdExport,
		cmdConvert,
		cmdImport,
		cmdDissociate,
		cmdMigrate,
		// other actions
		cmdState,
		{
			Name:     "version",
			Usage:    "print the version information",
			Category: "Other",
			Action: func(c *cli.Context) error {
				fmt.Printf("v%s, (built %s)\n", migration.Version, runtime.Version())
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		exitWithError(err)
	}
}

// Exit code ranges: 10 analysis, 11 copy, 12 conversion,
// 13 dissociation failures; 2 not-found / already-exists;
// 1 everything else.
func exitWithError(err error) {
	var exitcode int

	switch {
	case sparse.IsAnalysisError(err):
		exitcode = 10
	case segcopy.IsSegmentCopyError(err), transfer.IsTransferStrategyError(err):
		exitcode = 11
	case qemuimg.IsConversionError(err):
		exitcode = 12
	case migration.IsDissociationError(err):
		exitcode = 13
	case nutanix.IsNotFoundError(err), k8s_errors.IsNotFound(err), os.IsNotExist(err):
		exitcode = 2
	case errors.Is(err, migration.ErrAlreadyMigrated), task.IsConcurrentRunningError(err):
		exitcode = 2
	default:
		exitcode = 1
	}

	Error.Println(err.Error())

	os.Exit(exitcode)
}
