package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// collectOutputs matches the job's declared output globs against the sandbox
// workdir. Patterns that match nothing are not an error; invalid patterns
// are. Results are deduplicated and sorted for a stable report.
func collectOutputs(workdir string, patterns []string) ([]coordinator.OutputFile, error) {
	fsys := os.DirFS(workdir)
	seen := make(map[string]int64)
	var errs []error

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[m] = info.Size()
		}
	}

	outputs := make([]coordinator.OutputFile, 0, len(seen))
	for path, size := range seen {
		outputs = append(outputs, coordinator.OutputFile{Path: path, SizeBytes: size})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })

	return outputs, errors.Join(errs...)
}
