package command

import (
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/undocore/internal/cli/output"
	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/storage/wal"
)

// WALCommand returns the wal subcommand group.
func WALCommand() *cli.Command {
	return &cli.Command{
		Name:  "wal",
		Usage: "Write-ahead log",
		Subcommands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Summarize WAL records by resource manager",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "Start position (HI/LO); defaults to the beginning of the log",
					},
				},
				Action: walInfo,
			},
		},
	}
}

type walSummary struct {
	From    string         `json:"from"`
	First   string         `json:"first"`
	Last    string         `json:"last"`
	Records int            `json:"records"`
	Bytes   int            `json:"data_bytes"`
	ByRmgr  map[string]int `json:"by_rmgr"`
}

func (s walSummary) Table() *output.Table {
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("from", s.From)
	t.AddRow("first", s.First)
	t.AddRow("last", s.Last)
	t.AddRow("records", strconv.Itoa(s.Records))
	t.AddRow("data_bytes", strconv.Itoa(s.Bytes))
	names := make([]string, 0, len(s.ByRmgr))
	for name := range s.ByRmgr {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.AddRow("rmgr."+name, strconv.Itoa(s.ByRmgr[name]))
	}
	return t
}

func walInfo(c *cli.Context) error {
	e := newEnv(c)

	var from wal.LSN
	if s := c.String("from"); s != "" {
		lsn, err := wal.ParseLSN(s)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		from = lsn
	}

	cipher, err := storage.Cipher(e.key)
	if err != nil {
		return err
	}
	r, err := wal.NewReader(filepath.Join(e.dataDir, storage.WALDirName), cipher)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.Seek(from); err != nil {
		return err
	}

	sum := walSummary{From: from.String(), ByRmgr: make(map[string]int)}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if sum.Records == 0 {
			sum.First = rec.LSN.String()
		}
		sum.Last = rec.LSN.String()
		sum.Records++
		sum.Bytes += len(rec.Data)
		sum.ByRmgr[rec.Rmgr.String()]++
	}
	return e.print(sum)
}
