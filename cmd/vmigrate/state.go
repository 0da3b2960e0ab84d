package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/0xef53/vmigrate/internal/progress"
	"github.com/0xef53/vmigrate/migration"

	cli "github.com/urfave/cli/v2"
)

var cmdState = &cli.Command{
	Name:      "state",
	Usage:     "show the migration state of staged VMs",
	ArgsUsage: "[VMNAME]",
	HideHelp:  true,
	Category:  "Other",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "show output in the JSON format"},
	},
	Action: printStates,
}

func printStates(c *cli.Context) error {
	e, err := newAppEnv(c)
	if err != nil {
		return err
	}

	var states []*migration.MigrationState

	if vmname := c.Args().First(); vmname != "" {
		st, err := e.store.Load(vmname)
		if err != nil {
			return err
		}

		states = append(states, st)
	} else {
		if states, err = e.store.List(); err != nil {
			return err
		}
	}

	if c.Bool("json") {
		b, err := json.MarshalIndent(states, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))

		return nil
	}

	if len(states) == 0 {
		fmt.Println("No migrations found")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "VM\tPHASE\tDISKS\tCOPIED\tUPDATED\tLAST ERROR")

	for _, st := range states {
		var copied uint64

		for _, d := range st.Disks {
			copied += d.BytesCopied
		}

		lasterr := st.LastError
		if len(lasterr) > 60 {
			lasterr = lasterr[:57] + "..."
		}
		if lasterr == "" {
			lasterr = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			st.VMID,
			st.Phase,
			len(st.Disks),
			progress.SizeString(copied),
			st.UpdatedAt.Format("2006-01-02 15:04:05"),
			lasterr,
		)
	}

	return w.Flush()
}
