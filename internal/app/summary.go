package app

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/specialistvlad/dmriprepgo/internal/builder"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/executor"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
)

// Run outcomes reported in the summary.
const (
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
	StatusNotBuilt   = "not built"
	StatusPending    = "not executed"
)

// RunStatus is the outcome of one DWI run.
type RunStatus struct {
	Subject    string   `toml:"subject"`
	Session    string   `toml:"session,omitempty"`
	Run        string   `toml:"run,omitempty"`
	Source     string   `toml:"source,omitempty"`
	Status     string   `toml:"status"`
	Errors     []string `toml:"errors,omitempty"`
	CrashFiles []string `toml:"crash_files,omitempty"`
}

func (r *RunStatus) target() string {
	if r.Source != "" {
		return r.Source
	}
	return "sub-" + r.Subject
}

// Summary is the single concluding report of a pipeline run.
type Summary struct {
	RunUUID  string         `toml:"run_uuid"`
	Finished time.Time      `toml:"finished"`
	Subjects []string       `toml:"subjects"`
	Runs     []*RunStatus   `toml:"runs"`
	Nodes    map[string]int `toml:"nodes,omitempty"`
}

func newSummary(cfg *config.Config, rep *buildReport) *Summary {
	s := &Summary{RunUUID: cfg.Execution.RunUUID, Subjects: rep.Subjects}
	for _, r := range rep.Runs {
		s.Runs = append(s.Runs, &RunStatus{Subject: r.Subject, Session: r.Session, Run: r.Label, Source: r.Source, Status: StatusPending})
	}
	for _, f := range rep.Failures {
		s.Runs = append(s.Runs, &RunStatus{
			Subject: f.Subject,
			Session: f.Session,
			Run:     f.Run,
			Source:  f.Source,
			Status:  StatusNotBuilt,
			Errors:  []string{f.Message},
		})
	}
	s.sort()
	return s
}

func (s *Summary) sort() {
	sort.SliceStable(s.Runs, func(i, j int) bool {
		a, b := s.Runs[i], s.Runs[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Session != b.Session {
			return a.Session < b.Session
		}
		return a.Run < b.Run
	})
}

// addExecution folds the executor report into the run statuses. A node
// belongs to a run by its labels; anatomical nodes only carry the subject
// and count against every run of that subject.
func (s *Summary) addExecution(rep *executor.Report) {
	s.Nodes = map[string]int{}
	for _, st := range []executor.State{executor.Done, executor.Cached, executor.Failed, executor.Skipped} {
		if n := rep.Count(st); n > 0 {
			s.Nodes[st.String()] = n
		}
	}

	for _, r := range s.Runs {
		if r.Status == StatusPending {
			r.Status = StatusSucceeded
		}
	}
	for _, res := range rep.Results {
		if res.State != executor.Failed && res.State != executor.Skipped {
			continue
		}
		for _, r := range s.runsOf(res.Labels) {
			if r.Status == StatusNotBuilt {
				continue
			}
			if res.State == executor.Failed && executor.IsRootCause(res.Err) {
				r.Status = StatusFailed
				r.Errors = append(r.Errors, res.Err.Error())
				if res.CrashFile != "" {
					r.CrashFiles = append(r.CrashFiles, res.CrashFile)
				}
				continue
			}
			if r.Status == StatusSucceeded {
				r.Status = StatusIncomplete
			}
		}
	}
}

func (s *Summary) runsOf(labels map[string]string) []*RunStatus {
	var out []*RunStatus
	for _, r := range s.Runs {
		if r.Subject != labels[builder.LabelSubject] {
			continue
		}
		if run, ok := labels[builder.LabelRun]; ok && (r.Run != run || r.Session != labels[builder.LabelSession]) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Count returns how many runs ended with status.
func (s *Summary) Count(status string) int {
	n := 0
	for _, r := range s.Runs {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Err returns ErrPipelineFailed naming every run that did not succeed.
func (s *Summary) Err() error {
	var bad []string
	for _, r := range s.Runs {
		if r.Status != StatusSucceeded && r.Status != StatusPending {
			bad = append(bad, r.target())
		}
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("%w: no run to process", ErrPipelineFailed)
	}
	if len(bad) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPipelineFailed, strings.Join(bad, ", "))
}

// WriteText renders the summary for the terminal.
func (s *Summary) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s: %d of %d runs succeeded.\n", config.PipelineName, s.RunUUID, s.Count(StatusSucceeded), len(s.Runs))
	for _, r := range s.Runs {
		fmt.Fprintf(&b, "  [%s] %s\n", r.Status, r.target())
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "      %s\n", strings.ReplaceAll(e, "\n", "\n      "))
		}
		for _, c := range r.CrashFiles {
			fmt.Fprintf(&b, "      crash artifact: %s\n", c)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// summaryPath is where the run summary is kept in the log directory.
func summaryPath(cfg *config.Config) string {
	return filepath.Join(cfg.Execution.LogDir, "summary-"+cfg.Execution.RunUUID+".toml")
}

func (s *Summary) save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes())
}

// ReadSummary loads a summary written by a previous run.
func ReadSummary(path string) (*Summary, error) {
	var s Summary
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
