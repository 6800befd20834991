package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"epona/capture"
	"epona/link"
)

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Print the frames of a capture file",
	Long: `Print the frames recorded by a switch or host started with capture.file.

One line is printed per frame. Frames failing checksum verification are
marked "bad-checksum"; frames that could not be decoded show the error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(args[0], cmd.OutOrStdout())
	},
}

func runDump(path string, w io.Writer) error {
	records, err := capture.ReadFile(path)
	for i, rec := range records {
		fmt.Fprintf(w, "%d %s %s\n", i+1, rec.Timestamp.Format("15:04:05.000000"), describe(rec))
	}
	return err
}

func describe(rec capture.Record) string {
	if rec.Err != nil && rec.Frame.Protocol == 0 && rec.Frame.Src.IsZero() {
		return fmt.Sprintf("len=%d error: %v", rec.Length, rec.Err)
	}

	s := fmt.Sprintf("%s > %s", rec.Frame.Src, rec.Frame.Dst)
	switch {
	case rec.Resolution != nil:
		s += fmt.Sprintf(" resolution %s", rec.Resolution)
	case rec.Frame.Protocol == link.ProtoResolution:
		s += " resolution"
	default:
		s += fmt.Sprintf(" proto=%s len=%d", rec.Frame.Protocol, len(rec.Payload))
	}
	if !rec.Frame.Valid {
		s += " bad-checksum"
	}
	if rec.Err != nil {
		s += fmt.Sprintf(" error: %v", rec.Err)
	}
	return s
}
