package command

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/undo/undolog"
)

// TextCommand returns the text subcommand group.
func TextCommand() *cli.Command {
	return &cli.Command{
		Name:  "text",
		Usage: "Append text through the WAL-logged undo path",
		Subcommands: []*cli.Command{
			{
				Name:      "append",
				Usage:     "Append each TEXT argument and checkpoint on exit",
				ArgsUsage: "TEXT...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "one-set",
						Usage: "Write all arguments into a single record set",
					},
					&cli.StringFlag{
						Name:  "persistence",
						Usage: "Persistence of the record set with --one-set: p, u or t",
						Value: "p",
					},
				},
				Action: textAppend,
			},
		},
	}
}

type appended struct {
	Text string `json:"text"`
	At   string `json:"at"`
}

type appendResult struct {
	Appended []appended `json:"appended"`
	Redo     string     `json:"checkpoint_redo"`
}

func (r appendResult) Table() *output.Table {
	t := output.NewTable("AT", "TEXT")
	for _, a := range r.Appended {
		t.AddRow(a.At, a.Text)
	}
	return t
}

func textAppend(c *cli.Context) (err error) {
	if c.NArg() == 0 {
		return cli.Exit("text append requires at least one argument", 2)
	}
	e := newEnv(c)

	engine, err := storage.New(e.storageConfig())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
		}
	}()
	if err := engine.Recover(c.Context); err != nil {
		return err
	}

	var res appendResult
	record := func(text string, at undolog.RecPtr) {
		res.Appended = append(res.Appended, appended{Text: text, At: at.String()})
	}

	app := engine.Text()
	if c.Bool("one-set") {
		if err := app.Create(c.String("persistence")); err != nil {
			return err
		}
		for _, text := range c.Args().Slice() {
			at, err := app.Write(text)
			if err != nil {
				return err
			}
			record(text, at)
		}
		if err := app.Close(); err != nil {
			return err
		}
	} else {
		for _, text := range c.Args().Slice() {
			at, err := app.CreateWriteClose(text)
			if err != nil {
				return err
			}
			record(text, at)
		}
	}

	ckpt, err := engine.Checkpoint(c.Context)
	if err != nil {
		return err
	}
	res.Redo = ckpt.Redo.String()
	return e.print(res)
}
