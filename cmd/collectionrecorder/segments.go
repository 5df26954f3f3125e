package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jabeka/CollectionRecorder/internal/catalog"
)

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	var (
		status   string
		limit    int
		jsonMode bool
	)

	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List catalogued segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			path := cfg.Catalog.GetPath(cfg.Recorder.OutputFolder)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("catalog %s not found: %w", path, err)
			}

			store, err := catalog.Open(path)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer store.Close()

			segments, err := store.List(cmd.Context(), catalog.ListOptions{
				Status: catalog.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if jsonMode {
				return writeSegmentsJSON(cmd.OutOrStdout(), segments)
			}
			if len(segments) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No segments")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSegments(segments))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list segments with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of segments")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print JSON instead of a table")

	return cmd
}

func renderSegments(segments []*catalog.Segment) string {
	columns := []column{
		{title: "File"},
		{title: "Status"},
		{title: "Length", numeric: true},
		{title: "Format"},
		{title: "Dropped", numeric: true},
		{title: "Opened"},
	}
	rows := make([][]string, 0, len(segments))
	for _, s := range segments {
		rows = append(rows, []string{
			filepath.Base(s.Path),
			string(s.Status),
			s.Duration().Round(10 * time.Millisecond).String(),
			fmt.Sprintf("%s %d-bit %d Hz", s.Codec, s.BitDepth, s.Rate),
			strconv.FormatInt(s.Dropped, 10),
			s.OpenedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(columns, rows)
}

func writeSegmentsJSON(w io.Writer, segments []*catalog.Segment) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(segments)
}
