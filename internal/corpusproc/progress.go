package corpusproc

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/liliang-cn/newsindex/internal/errs"
)

// ProgressLog is an append-only text file listing input paths already
// preprocessed, consulted at startup to resume. Written by a single
// preprocessing process at a time.
//
// Unlike the original Python (which relies on the filesystem's
// flush-on-close), every Append here fsyncs before returning, so a
// crash immediately after a successful merge cannot leave the log
// silently unwritten.
type ProgressLog struct {
	path string
	done map[string]bool
}

// OpenProgressLog loads an existing log (if any) at path.
func OpenProgressLog(path string) (*ProgressLog, error) {
	pl := &ProgressLog{path: path, done: make(map[string]bool)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pl, nil
		}
		return nil, errs.Wrap(errs.KindFormatError, "open_progress_log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			pl.done[line] = true
		}
	}
	return pl, nil
}

// IsProcessed reports whether path has already been recorded.
func (pl *ProgressLog) IsProcessed(path string) bool {
	return pl.done[path]
}

// Append records path as processed and fsyncs the log file.
func (pl *ProgressLog) Append(path string) error {
	f, err := os.OpenFile(pl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "record_progress", err)
	}
	defer f.Close()

	if _, err := f.WriteString(path + "\n"); err != nil {
		return errs.Wrap(errs.KindFormatError, "record_progress", err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return errs.Wrap(errs.KindFormatError, "record_progress", err)
	}
	pl.done[path] = true
	return nil
}

// CandidateFiles lists every regular file directly inside dir (not
// already in the progress log), sorted descending by filename.
func CandidateFiles(dir string, pl *ProgressLog) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "candidate_files", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if pl.IsProcessed(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// SelectFileToProcess returns the next candidate file name, or "" if
// none remain.
func SelectFileToProcess(dir string, pl *ProgressLog) (string, error) {
	candidates, err := CandidateFiles(dir, pl)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[0], nil
}
