// Package resultfile persists a classified cache-line run to a
// timestamp-named text file, replacing any file from a prior run by
// unlinking it only after the new one has landed.
package resultfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/llcset/llcset/internal/llcalloc"
	"github.com/llcset/llcset/internal/timing"
)

// header is the first line of every result file (spec.md §4.9-adjacent
// "Result file" description).
const header = "#SET;SLICE;ADDR"

// Writer tracks the path of the most recently written result file so
// a later Write can unlink it once its replacement is durable.
type Writer struct {
	dir     string
	runID   string
	lastPath string
}

// New returns a Writer that persists into dir, tagging this run with a
// fresh run id used only for log correlation (SPEC_FULL.md's
// supplemented run-id threading), not for the result filename itself.
func New(dir string) *Writer {
	return &Writer{dir: dir, runID: uuid.NewString()}
}

// RunID returns the run id this Writer tags its log lines with.
func (w *Writer) RunID() string { return w.runID }

// Write names the file lineallocator-<tsc>.txt, writes the header plus
// one "full_set;slice_id;phys_addr" hex line per row, syncs it to
// disk, then unlinks the previous run's file, matching the original's
// "replace any previously written file atomically-by-delete" contract
// (spec.md §4.5/§4.9).
func (w *Writer) Write(rows []llcalloc.Classified) (string, error) {
	name := fmt.Sprintf("lineallocator-%d.txt", timing.RDTSC())
	path := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".lineallocator-*.tmp")
	if err != nil {
		return "", fmt.Errorf("resultfile: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := fmt.Fprintln(tmp, header); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("resultfile: writing header: %w", err)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tmp, "%x;%x;%x\n", row.FullSet, row.SliceID, row.PhysAddr); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("resultfile: writing row: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("resultfile: syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("resultfile: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("resultfile: renaming into place: %w", err)
	}

	if w.lastPath != "" && w.lastPath != path {
		os.Remove(w.lastPath)
	}
	w.lastPath = path
	return path, nil
}
