package command

import (
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/storage/backup"
	"github.com/yndnr/undocore/internal/storage/control"
)

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the control file, running backup and checkpoint files",
		Action: status,
	}
}

type statusResult struct {
	Initialized    bool          `json:"initialized"`
	Control        *control.Data `json:"control,omitempty"`
	Backup         *backup.Label `json:"backup,omitempty"`
	CheckpointFile int           `json:"checkpoint_files"`
}

func (r statusResult) Table() *output.Table {
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("initialized", strconv.FormatBool(r.Initialized))
	if r.Control != nil {
		t.AddRow("state", string(r.Control.State))
		t.AddRow("checkpoint_redo", r.Control.CheckpointRedo.String())
		t.AddRow("prior_redo", r.Control.PriorRedo.String())
		t.AddRow("updated_at", r.Control.UpdatedAt.Format(time.RFC3339))
	}
	if r.Backup != nil {
		t.AddRow("backup", r.Backup.Name+" ("+r.Backup.ID+")")
	} else {
		t.AddRow("backup", "")
	}
	t.AddRow("checkpoint_files", strconv.Itoa(r.CheckpointFile))
	return t
}

func status(c *cli.Context) error {
	e := newEnv(c)

	var res statusResult
	d, found, err := e.control().Read()
	if err != nil {
		return err
	}
	if found {
		res.Initialized = true
		res.Control = &d
	}

	label, running, err := e.backup().Current()
	if err != nil {
		return err
	}
	if running {
		res.Backup = &label
	}

	files, err := e.checkpoints().List()
	if err != nil {
		return err
	}
	res.CheckpointFile = len(files)
	return e.print(res)
}
