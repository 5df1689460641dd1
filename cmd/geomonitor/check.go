package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"geomonitor/internal/filter"
)

func (c *cli) newCheckCmd() *cobra.Command {
	var mode, file string

	cmd := &cobra.Command{
		Use:   "check <path?query>...",
		Short: "Classify requests against a rule file",
		Long: `Reports whether each request target would be recorded by the rules in
the given file. Without --file the configured MONITOR_FILTER_FILE is used;
when that file does not exist the bundled rules for the mode apply.
`,
		Example: `  geomonitor check --mode advanced --file filter.json '/geoserver/wms?service=WMS&request=GetMap'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode == "" {
				mode = c.cfg.Monitor.FilterMode
			}
			if file == "" {
				file = c.cfg.Monitor.FilterFile
			}
			f, err := loadFilter(filter.Mode(mode), file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, target := range args {
				u, err := url.Parse(target)
				if err != nil {
					return fmt.Errorf("invalid request target %q: %w", target, err)
				}
				verdict := "skipped"
				if f.Monitor(u.Path, u.Query()) {
					verdict = "monitored"
				}
				fmt.Fprintf(out, "%s\t%s\n", verdict, target)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Filter mode: advanced or include (default MONITOR_FILTER_MODE)")
	cmd.Flags().StringVar(&file, "file", "", "Rule file (default MONITOR_FILTER_FILE)")
	return cmd
}

func loadFilter(mode filter.Mode, file string) (filter.Filter, error) {
	parse, err := filter.ParserFor(mode)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		data = filter.DefaultResource(mode)
	} else if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	f, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", file, err)
	}
	return f, nil
}
