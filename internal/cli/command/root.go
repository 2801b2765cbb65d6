package command

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/infra/buildinfo"
	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/storage/backup"
	"github.com/yndnr/undocore/internal/storage/control"
	"github.com/yndnr/undocore/internal/telemetry/logger"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "undocore-cli",
		Usage:   "Inspect and maintain an undocore data directory",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			StatusCommand(),
			CheckpointCommand(),
			BackupCommand(),
			WALCommand(),
			TextCommand(),
		},
		Before: func(c *cli.Context) error {
			if _, err := output.ParseFormat(c.String("output")); err != nil {
				return err
			}
			log := logger.Discard()
			if c.Bool("verbose") {
				l, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: c.App.ErrWriter})
				if err != nil {
					return err
				}
				log = l
			}
			c.Context = logger.WithLogger(c.Context, log)
			return nil
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "data-dir",
			Aliases:  []string{"d"},
			Usage:    "Data directory of the undocore server",
			EnvVars:  []string{"UNDOCORE_STORAGE_DATA_DIR"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "encryption-key",
			Usage:   "WAL encryption key, if the server uses one",
			EnvVars: []string{"UNDOCORE_WAL_ENCRYPTION_KEY"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Log debug output to stderr",
		},
	}
}

// env collects what every command needs from the global flags.
type env struct {
	dataDir string
	key     string
	format  output.Format
	out     io.Writer
	logger  *slog.Logger
}

func newEnv(c *cli.Context) *env {
	format, _ := output.ParseFormat(c.String("output"))
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	return &env{
		dataDir: c.String("data-dir"),
		key:     c.String("encryption-key"),
		format:  format,
		out:     out,
		logger:  logger.FromContext(c.Context),
	}
}

func (e *env) print(data any) error {
	return output.Print(e.out, e.format, data)
}

func (e *env) printf(format string, args ...any) {
	if e.format == output.FormatTable {
		fmt.Fprintf(e.out, format, args...)
	}
}

func (e *env) control() *control.File {
	return control.New(e.dataDir, control.WithLogger(e.logger))
}

func (e *env) backup() *backup.Coordinator {
	return backup.New(e.dataDir, backup.WithLogger(e.logger))
}

func (e *env) checkpoints() *checkpoint.Store {
	return checkpoint.NewStore(storage.CheckpointDir(e.dataDir),
		checkpoint.WithBackupStatus(e.backup()),
		checkpoint.WithLogger(e.logger))
}

func (e *env) storageConfig() storage.Config {
	cfg := storage.DefaultConfig(e.dataDir)
	cfg.EncryptionKey = e.key
	cfg.CheckpointInterval = 0
	cfg.Logger = e.logger
	return cfg
}
