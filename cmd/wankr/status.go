package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gitNoodler/wankr-sub000/internal/opstate"
	"github.com/gitNoodler/wankr-sub000/internal/paths"
	"github.com/gitNoodler/wankr-sub000/internal/sweeper"
)

// categoryUsage is one row of the status report.
type categoryUsage struct {
	Category string `json:"category"`
	Dir      string `json:"dir"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
}

type statusReport struct {
	DataDir    string          `json:"data_dir"`
	Categories []categoryUsage `json:"categories"`
	LastSweep  *time.Time      `json:"last_sweep,omitempty"`
	LastRemove *int            `json:"last_sweep_removed,omitempty"`
}

// runStatus reports file counts and sizes per storage category. It
// never creates directories; missing categories show as empty.
func runStatus(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	layout := paths.New(cfg.DataDir, cfg.Storage)
	report := statusReport{DataDir: layout.Root()}

	for _, c := range layout.Categories() {
		dir := layout.Dir(c)
		files, size, err := usage(dir)
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		report.Categories = append(report.Categories, categoryUsage{
			Category: string(c),
			Dir:      dir,
			Files:    files,
			Bytes:    size,
		})
	}

	if err := readSweepState(filepath.Join(layout.Root(), stateDB), &report); err != nil {
		return err
	}

	if outputFmt == "json" {
		return writeJSON(w, report)
	}

	fmt.Fprintf(w, "Data directory: %s\n\n", report.DataDir)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Category", "Directory", "Files", "Bytes"})
	table.SetAutoWrapText(false)
	for _, u := range report.Categories {
		table.Append([]string{u.Category, u.Dir, strconv.Itoa(u.Files), strconv.FormatInt(u.Bytes, 10)})
	}
	table.Render()

	if report.LastSweep != nil {
		fmt.Fprintf(w, "\nLast sweep: %s", report.LastSweep.Format(time.RFC3339))
		if report.LastRemove != nil {
			fmt.Fprintf(w, " (%d removed)", *report.LastRemove)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "\nLast sweep: never")
	}
	return nil
}

// usage counts regular files under dir recursively. A missing dir is
// zero usage.
func usage(dir string) (files int, size int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size, err
}

// readSweepState fills in the last sweep from operational state. The
// database is only opened when it already exists so that status stays
// read-only on a fresh install.
func readSweepState(dbPath string, report *statusReport) error {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	state, err := opstate.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer state.Close()

	last, err := state.GetTime(sweeper.StateNamespace, sweeper.KeyLastRun)
	if err != nil {
		return err
	}
	if last.IsZero() {
		return nil
	}
	report.LastSweep = &last

	removed, err := state.GetInt(sweeper.StateNamespace, sweeper.KeyLastRemoved)
	if err != nil {
		return err
	}
	report.LastRemove = &removed
	return nil
}
