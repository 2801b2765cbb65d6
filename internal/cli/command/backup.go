package command

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/storage/backup"
)

// BackupCommand returns the backup subcommand group. While a backup runs,
// checkpoint cleanup keeps every file.
func BackupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Mark the start and end of a base backup",
		Subcommands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Start a backup at the latest checkpoint",
				ArgsUsage: "[NAME]",
				Action:    backupStart,
			},
			{
				Name:   "stop",
				Usage:  "Stop the running backup",
				Action: backupStop,
			},
			{
				Name:   "status",
				Usage:  "Show the running backup",
				Action: backupStatus,
			},
		},
	}
}

type labelResult struct {
	Running bool         `json:"running"`
	Label   backup.Label `json:"label"`
}

func (r labelResult) Table() *output.Table {
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("running", map[bool]string{true: "yes", false: "no"}[r.Running])
	if r.Running {
		t.AddRow("id", r.Label.ID)
		t.AddRow("name", r.Label.Name)
		t.AddRow("start_redo", r.Label.StartRedo.String())
		t.AddRow("started_at", r.Label.StartedAt.Format(time.RFC3339))
	}
	return t
}

func backupStart(c *cli.Context) error {
	e := newEnv(c)
	name := c.Args().First()
	if name == "" {
		name = "backup-" + time.Now().UTC().Format("20060102T150405Z")
	}

	d, _, err := e.control().Read()
	if err != nil {
		return err
	}
	label, err := e.backup().Start(name, d.CheckpointRedo)
	if err != nil {
		return err
	}
	return e.print(labelResult{Running: true, Label: label})
}

func backupStop(c *cli.Context) error {
	e := newEnv(c)
	label, err := e.backup().Stop()
	if err != nil {
		return err
	}
	e.printf("backup %s stopped after %s\n", label.Name, time.Since(label.StartedAt).Round(time.Second))
	if e.format == output.FormatJSON {
		return e.print(labelResult{Label: label})
	}
	return nil
}

func backupStatus(c *cli.Context) error {
	e := newEnv(c)
	label, running, err := e.backup().Current()
	if err != nil {
		return err
	}
	return e.print(labelResult{Running: running, Label: label})
}
