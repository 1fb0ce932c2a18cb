package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrChecksFailed is returned by Write when any check failed.
var ErrChecksFailed = errors.New("doctor: one or more checks failed")

// Write prints d as a report titled title, or as indented JSON.
func Write(out io.Writer, title string, d Diagnosis, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Aesterisk %s Doctor Report (%s)\n", title, d.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s)\n", d.System.OS, d.System.Arch, d.System.Go)
		fmt.Fprintln(out, "---")
		for _, res := range d.Results {
			fmt.Fprintf(out, "%-4s %-15s: %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "     %s\n", res.Detail)
			}
		}
	}
	if d.Failed() {
		return ErrChecksFailed
	}
	return nil
}
