// Command reftable-dump is a diagnostic tool: given a table file, it
// prints the ref and log sections to standard output.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	gojson "github.com/goccy/go-json"
	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/google/reftable-go"
	"github.com/google/reftable-go/blocksource"
	"github.com/google/reftable-go/table"
)

// Exit codes, per spec.md §6: 0 success, 1 engine error, 2 usage error.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type options struct {
	tablePath          string
	jsonOutput         bool
	concurrentSections bool
}

func main() {
	opts := &options{}
	root := newRootCommand(opts)
	if err := root.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitError)
	}
}

// usageError distinguishes a bad invocation (exit 2) from a table or
// I/O failure encountered while dumping it (exit 1).
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "reftable-dump",
		Short:         "Dump the ref and log sections of a reftable file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.tablePath == "" {
				return usageError{fmt.Errorf("reftable-dump: -t <tablefile> is required")}
			}
			if err := runDump(cmd.OutOrStdout(), opts); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "reftable-dump:", err)
				return err
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	cmd.Flags().StringVarP(&opts.tablePath, "table", "t", "", "path to the reftable file to dump")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "emit JSON instead of text")
	cmd.Flags().BoolVar(&opts.concurrentSections, "concurrent-sections", false, "fetch the ref and log sections concurrently")
	return cmd
}

func runDump(out io.Writer, opts *options) error {
	src, err := blocksource.NewFile(opts.tablePath)
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := table.NewReader(src, table.ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	size, err := src.Size()
	if err != nil {
		return err
	}

	var refs []*reftable.RefRecord
	var logs []*reftable.LogRecord

	if opts.concurrentSections {
		var g errgroup.Group
		g.Go(func() error {
			var err error
			refs, err = collectRefs(r)
			return err
		})
		g.Go(func() error {
			var err error
			logs, err = collectLogs(r)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		refs, err = collectRefs(r)
		if err != nil {
			return err
		}
		logs, err = collectLogs(r)
		if err != nil {
			return err
		}
	}

	if opts.jsonOutput {
		return writeJSON(out, opts.tablePath, size, r, refs, logs)
	}
	writeText(out, opts.tablePath, size, r, refs, logs)
	return nil
}

func collectRefs(r *table.Reader) ([]*reftable.RefRecord, error) {
	it, err := r.Refs()
	if err != nil {
		return nil, err
	}
	var out []*reftable.RefRecord
	for {
		var rec reftable.RefRecord
		if err := it.Next(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		out = append(out, &rec)
	}
}

func collectLogs(r *table.Reader) ([]*reftable.LogRecord, error) {
	it, err := r.Logs()
	if err != nil {
		return nil, err
	}
	var out []*reftable.LogRecord
	for {
		var rec reftable.LogRecord
		if err := it.Next(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		out = append(out, &rec)
	}
}

func writeText(out io.Writer, path string, size int64, r *table.Reader, refs []*reftable.RefRecord, logs []*reftable.LogRecord) {
	color := isatty.IsTerminal(os.Stdout.Fd())
	header := func(s string) string {
		if !color {
			return s
		}
		return "\x1b[1m" + s + "\x1b[0m"
	}

	fmt.Fprintf(out, "%s: %s (%s, update_index [%d,%d])\n",
		header("table"), path, humanize.IBytes(uint64(size)), r.MinUpdateIndex(), r.MaxUpdateIndex())

	fmt.Fprintf(out, "%s (%d)\n", header("refs"), len(refs))
	for _, ref := range refs {
		switch {
		case ref.IsDeletion():
			fmt.Fprintf(out, "  %s -> (deleted) @%d\n", ref.RefName, ref.UpdateIndex)
		case ref.Target != "":
			fmt.Fprintf(out, "  %s -> symref %s @%d\n", ref.RefName, ref.Target, ref.UpdateIndex)
		default:
			fmt.Fprintf(out, "  %s -> %s @%d\n", ref.RefName, hex.EncodeToString(ref.Value), ref.UpdateIndex)
		}
	}

	fmt.Fprintf(out, "%s (%d)\n", header("logs"), len(logs))
	for _, l := range logs {
		when := time.Unix(l.Time, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(out, "  %s@%d  %s -> %s  %s <%s>  %s\n",
			l.RefName, l.UpdateIndex,
			hex.EncodeToString(l.OldHash), hex.EncodeToString(l.NewHash),
			l.Name, l.Email, when)
		if l.Message != "" {
			fmt.Fprintf(out, "      %s\n", l.Message)
		}
	}
}

type jsonDump struct {
	Table struct {
		Path           string `json:"path"`
		Size           int64  `json:"size"`
		MinUpdateIndex uint64 `json:"min_update_index"`
		MaxUpdateIndex uint64 `json:"max_update_index"`
	} `json:"table"`
	Refs []jsonRef `json:"refs"`
	Logs []jsonLog `json:"logs"`
}

type jsonRef struct {
	RefName     string `json:"ref_name"`
	UpdateIndex uint64 `json:"update_index"`
	Value       string `json:"value,omitempty"`
	Target      string `json:"target,omitempty"`
	Deletion    bool   `json:"deletion,omitempty"`
}

type jsonLog struct {
	RefName     string `json:"ref_name"`
	UpdateIndex uint64 `json:"update_index"`
	OldHash     string `json:"old_hash"`
	NewHash     string `json:"new_hash"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Time        int64  `json:"time"`
	Message     string `json:"message,omitempty"`
}

func writeJSON(out io.Writer, path string, size int64, r *table.Reader, refs []*reftable.RefRecord, logs []*reftable.LogRecord) error {
	var d jsonDump
	d.Table.Path = path
	d.Table.Size = size
	d.Table.MinUpdateIndex = r.MinUpdateIndex()
	d.Table.MaxUpdateIndex = r.MaxUpdateIndex()

	for _, ref := range refs {
		jr := jsonRef{RefName: ref.RefName, UpdateIndex: ref.UpdateIndex, Deletion: ref.IsDeletion(), Target: ref.Target}
		if ref.Value != nil {
			jr.Value = hex.EncodeToString(ref.Value)
		}
		d.Refs = append(d.Refs, jr)
	}
	for _, l := range logs {
		d.Logs = append(d.Logs, jsonLog{
			RefName:     l.RefName,
			UpdateIndex: l.UpdateIndex,
			OldHash:     hex.EncodeToString(l.OldHash),
			NewHash:     hex.EncodeToString(l.NewHash),
			Name:        l.Name,
			Email:       l.Email,
			Time:        l.Time,
			Message:     l.Message,
		})
	}

	enc := gojson.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
