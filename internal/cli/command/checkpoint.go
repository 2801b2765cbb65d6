package command

import (
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
)

// CheckpointCommand returns the checkpoint subcommand group.
func CheckpointCommand() *cli.Command {
	return &cli.Command{
		Name:    "checkpoint",
		Aliases: []string{"ckpt"},
		Usage:   "Undo checkpoint files",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List checkpoint files in redo order",
				Action: checkpointList,
			},
			{
				Name:      "verify",
				Usage:     "Verify the checksum of a checkpoint file",
				ArgsUsage: "NAME",
				Action:    checkpointVerify,
			},
			{
				Name:  "cleanup",
				Usage: "Remove checkpoint files older than a redo position",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "boundary",
						Usage:    "Redo position (HI/LO or a checkpoint file name); older files are removed",
						Required: true,
					},
				},
				Action: checkpointCleanup,
			},
		},
	}
}

type checkpointFiles []checkpoint.Info

func (l checkpointFiles) Table() *output.Table {
	t := output.NewTable("NAME", "REDO", "SIZE")
	for _, info := range l {
		t.AddRow(info.Name, info.Redo.String(), strconv.FormatInt(info.Size, 10))
	}
	return t
}

func checkpointList(c *cli.Context) error {
	e := newEnv(c)
	infos, err := e.checkpoints().List()
	if err != nil {
		return err
	}
	return e.print(checkpointFiles(infos))
}

type verifyResult struct {
	Name  string `json:"name"`
	Redo  string `json:"redo"`
	Bytes int64  `json:"bytes"`
	OK    bool   `json:"ok"`
}

func checkpointVerify(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("checkpoint verify requires exactly one file name", 2)
	}
	e := newEnv(c)
	name := c.Args().First()

	n, err := e.checkpoints().Verify(name)
	if err != nil {
		return err
	}
	redo, _ := checkpoint.ParseFileName(name)
	if e.format == output.FormatJSON {
		return e.print(verifyResult{Name: name, Redo: redo.String(), Bytes: n, OK: true})
	}
	e.printf("%s: ok (%d bytes, redo %s)\n", name, n, redo)
	return nil
}

type cleanupResult struct {
	Boundary string   `json:"boundary"`
	Clamped  bool     `json:"clamped"`
	Skipped  bool     `json:"skipped_for_backup"`
	Removed  []string `json:"removed"`
}

func checkpointCleanup(c *cli.Context) error {
	e := newEnv(c)
	boundary, err := wal.ParseLSN(c.String("boundary"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	// Recovery opens the file of the control file's checkpoint redo; it
	// must survive whatever boundary was asked for.
	d, found, err := e.control().Read()
	if err != nil {
		return err
	}
	clamped := false
	if found && boundary > d.CheckpointRedo {
		e.logger.Warn("boundary past the latest checkpoint, clamping",
			"requested", boundary.String(), "checkpoint_redo", d.CheckpointRedo.String())
		boundary, clamped = d.CheckpointRedo, true
	}

	res := cleanupResult{Boundary: boundary.String(), Clamped: clamped, Removed: []string{}}
	if e.backup().InProgress() {
		res.Skipped = true
	}
	removed, err := e.checkpoints().CleanUp(boundary)
	if err != nil {
		return err
	}
	res.Removed = append(res.Removed, removed...)

	if e.format == output.FormatJSON {
		return e.print(res)
	}
	if res.Skipped {
		e.printf("backup in progress, nothing removed\n")
		return nil
	}
	if res.Clamped {
		e.printf("boundary clamped to the latest checkpoint %s\n", res.Boundary)
	}
	for _, name := range res.Removed {
		e.printf("removed %s\n", name)
	}
	e.printf("%d file(s) removed before %s\n", len(res.Removed), res.Boundary)
	return nil
}
