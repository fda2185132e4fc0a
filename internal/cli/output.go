package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"buildorch/internal/scheduler"
)

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Message string `json:"message"`
}

func writeJSON(w io.Writer, data any, err error) error {
	resp := CLIResponse{Status: "ok", Data: data}
	if err != nil {
		resp.Status = "error"
		resp.Error = &CLIError{Message: err.Error()}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

type failureJSON struct {
	Element string `json:"element"`
	Queue   string `json:"queue"`
	Error   string `json:"error"`
}

type reportJSON struct {
	RunID      string              `json:"run_id"`
	Mode       string              `json:"mode"`
	State      string              `json:"state"`
	Cached     []string            `json:"cached,omitempty"`
	Pulled     []string            `json:"pulled,omitempty"`
	Built      []string            `json:"built,omitempty"`
	Pushed     []string            `json:"pushed,omitempty"`
	Tracked    map[string][]string `json:"tracked,omitempty"`
	Failures   []failureJSON       `json:"failures,omitempty"`
	Skipped    []string            `json:"skipped,omitempty"`
	Incomplete []string            `json:"incomplete,omitempty"`
	Elapsed    string              `json:"elapsed"`
}

func toReportJSON(rep *scheduler.Report) reportJSON {
	out := reportJSON{
		RunID:      rep.RunID,
		Mode:       rep.Mode.String(),
		State:      rep.State.String(),
		Cached:     rep.Cached,
		Pulled:     rep.Pulled,
		Built:      rep.Built,
		Pushed:     rep.Pushed,
		Skipped:    rep.Skipped,
		Incomplete: rep.Incomplete,
		Elapsed:    rep.Finished.Sub(rep.Started).Round(time.Millisecond).String(),
	}
	if len(rep.Tracked) > 0 {
		out.Tracked = rep.Tracked
	}
	for _, f := range rep.Failures {
		out.Failures = append(out.Failures, failureJSON{Element: f.Element, Queue: f.Queue.String(), Error: f.Err.Error()})
	}
	return out
}

func writeReport(w io.Writer, format string, rep *scheduler.Report, runErr error) error {
	if format == "json" {
		if rep == nil {
			return writeJSON(w, nil, runErr)
		}
		return writeJSON(w, toReportJSON(rep), runError(rep, nil))
	}
	if rep == nil {
		return nil
	}
	fmt.Fprintf(w, "%s run %s: %s in %s\n", rep.Mode, rep.RunID, rep.State, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	line := func(label string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(w, "  %-11s %s\n", label+":", strings.Join(names, " "))
		}
	}
	line("cached", rep.Cached)
	line("pulled", rep.Pulled)
	line("built", rep.Built)
	line("pushed", rep.Pushed)
	if len(rep.Tracked) > 0 {
		names := make([]string, 0, len(rep.Tracked))
		for name := range rep.Tracked {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  tracked:    %s %s\n", name, strings.Join(rep.Tracked[name], " "))
		}
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  failed:     %s (%s): %v\n", f.Element, f.Queue, f.Err)
	}
	line("skipped", rep.Skipped)
	line("incomplete", rep.Incomplete)
	return nil
}
