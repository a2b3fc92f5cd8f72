package executor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Normalizer folds the ordered event stream of one call into a Result.
// It is a plain accumulator: feed events in emission order, then call
// Finish. Output collected before an error event is retained, so partial
// output survives a mid-call failure.
type Normalizer struct {
	output  strings.Builder
	errText string
	result  string
	plots   []string
	failed  bool
}

// Consume folds one event into the accumulated state.
func (n *Normalizer) Consume(ev Event) {
	switch ev.Type {
	case EventStream:
		n.output.WriteString(ev.Text)
	case EventResult:
		n.result = ev.Text
	case EventError:
		if n.errText != "" {
			n.errText += "\n"
		}
		n.errText += ev.Text
		n.failed = true
	case EventArtifact:
		n.plots = append(n.plots, ev.Path)
	}
	// ready and done events carry no payload worth keeping
}

// Failed reports whether an error event has been consumed so far.
func (n *Normalizer) Failed() bool {
	return n.failed
}

// Finish produces the final Result. The elapsed duration is supplied by the
// caller, which owns the call's clock.
func (n *Normalizer) Finish(elapsed time.Duration) *Result {
	return &Result{
		Success:       !n.failed,
		Output:        strings.TrimRight(n.output.String(), "\n"),
		Error:         n.errText,
		ErrorKind:     n.kind(),
		Result:        n.result,
		Plots:         n.plots,
		ExecutionTime: elapsed.Seconds(),
	}
}

// FinishTimeout produces a timeout Result, preserving whatever output was
// collected before the deadline fired.
func (n *Normalizer) FinishTimeout(timeout, elapsed time.Duration) *Result {
	r := n.Finish(elapsed)
	r.Success = false
	r.ErrorKind = ErrorKindTimeout
	msg := fmt.Sprintf("execution timed out after %s", timeout)
	if r.Error != "" {
		r.Error += "\n" + msg
	} else {
		r.Error = msg
	}
	return r
}

func (n *Normalizer) kind() ErrorKind {
	if n.failed {
		return ErrorKindRuntime
	}
	return ""
}

// Plots returns the artifact paths accumulated so far.
func (n *Normalizer) Plots() []string {
	return n.plots
}

// AddPlots appends artifact paths discovered outside the event stream
// (filesystem scan). Paths already reported by the engine are not repeated.
func (n *Normalizer) AddPlots(paths []string) {
	seen := make(map[string]bool, len(n.plots))
	for _, p := range n.plots {
		seen[p] = true
	}
	for _, p := range paths {
		if !seen[p] {
			n.plots = append(n.plots, p)
		}
	}
}

// DiscoverArtifacts walks the session's working directory and returns files
// modified at or after the call started, relative to dir and ordered by
// modification time ascending (most recent last). Only files touched during
// the call count; pre-existing inputs staged before the call do not.
func DiscoverArtifacts(dir string, since time.Time) ([]string, error) {
	type hit struct {
		rel string
		mod time.Time
	}
	var hits []hit

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file can vanish between listing and stat while user
			// code is cleaning up after itself. Skip, don't fail.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hits = append(hits, hit{rel: rel, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning artifacts in %s: %w", dir, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].mod.Before(hits[j].mod) })

	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = h.rel
	}
	return paths, nil
}
