package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// File names used by the harvest commands.
const (
	CanonicalRepositoriesFile = "repos.csv"
	DatasetFile               = "dataset_prs.csv"
	MeasurementsFile          = "openaq_measurements.csv"
)

// RepositoriesFile names the result of a top-N repository harvest.
func RepositoriesFile(n int) string {
	return fmt.Sprintf("repos_top%d.csv", n)
}

// PullRequestsFile names the per-repository pull request file.
func PullRequestsFile(nameWithOwner string) string {
	return "prs_" + strings.ReplaceAll(nameWithOwner, "/", "_") + ".csv"
}

// ResultFile is one saved CSV.
type ResultFile struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListResults lists the CSV files in dir: the canonical repositories file
// first, then repos_top{N} files by N, then everything else by name.
// A missing dir yields no files.
func ListResults(dir string) ([]ResultFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []ResultFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, ResultFile{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		ri, rj := resultRank(files[i].Name), resultRank(files[j].Name)
		if ri.group != rj.group {
			return ri.group < rj.group
		}
		if ri.n != rj.n {
			return ri.n < rj.n
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

type rank struct {
	group int
	n     int
}

func resultRank(name string) rank {
	if name == CanonicalRepositoriesFile {
		return rank{group: 0}
	}
	if digits, ok := strings.CutPrefix(name, "repos_top"); ok {
		digits = strings.TrimSuffix(digits, ".csv")
		if n, err := strconv.Atoi(digits); err == nil {
			return rank{group: 1, n: n}
		}
	}
	return rank{group: 2}
}
