package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/yairfalse/procwatch/internal/sink"
)

var (
	killsFile string
	killsJSON bool
)

var (
	headingColor = color.New(color.FgWhite, color.Bold).SprintFunc()
	killColor    = color.New(color.FgRed).SprintFunc()
	dimColor     = color.New(color.FgHiBlack).SprintFunc()
)

var killsCmd = &cobra.Command{
	Use:   "kills",
	Short: "List successful kills recorded in an event log",
	Example: `  procwatch kills --file process_events.jsonl
  procwatch kills --file process_events.jsonl --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := os.Open(killsFile)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer f.Close()

		kills, err := sink.ReadKills(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", killsFile, err)
		}

		if killsJSON {
			return writeKillsJSON(cmd.OutOrStdout(), kills)
		}
		return writeKillsTable(cmd.OutOrStdout(), kills)
	},
}

func init() {
	killsCmd.Flags().StringVarP(&killsFile, "file", "f", "process_events.jsonl", "event log to read")
	killsCmd.Flags().BoolVar(&killsJSON, "json", false, "print kills as a JSON array")
}

func writeKillsJSON(w io.Writer, kills []sink.Event) error {
	if kills == nil {
		kills = []sink.Event{}
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(kills)
}

func writeKillsTable(w io.Writer, kills []sink.Event) error {
	if len(kills) == 0 {
		_, err := fmt.Fprintln(w, dimColor("no kills recorded"))
		return err
	}

	// Colour codes would count towards tabwriter cell widths, so the heading
	// is coloured once the columns are laid out. TARGET is the last column
	// and is not aligned.
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPID\tUID\tCOMM\tTARGET")
	for _, k := range kills {
		target := "?"
		if k.KillPID != nil {
			target = fmt.Sprint(*k.KillPID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			k.Timestamp.Local().Format(time.DateTime),
			k.PID, k.UID, k.Comm, killColor(target))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	heading, rows, _ := strings.Cut(buf.String(), "\n")
	if _, err := fmt.Fprintf(w, "%s\n%s", headingColor(heading), rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d kill(s)\n", len(kills))
	return err
}
