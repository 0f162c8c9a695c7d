// Package indexbuilder builds and maintains IVF shards: it trains base
// indexes, generates per-batch subindexes, merges subindexes into
// on-disk shards, and consolidates shards across directories by date
// (zip-merge).
//
// Grounded on original_source/dt_sim/indexer/index_builder.py's
// OnDiskIVFBuilder, the authoritative reference for setup_base_index,
// generate_subindex, merge_IVFs, mv_index_and_ivfdata, and zip_indexes.
// ZipIndexes names its output shards with a short google/uuid suffix
// (teacher dependency).
package indexbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

var isoDateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// SetupBaseIndex trains nCentroids centroids from trainingSet and
// writes an empty, trained Base Index to path. Fails with PathConflict
// if path already exists.
func SetupBaseIndex(path string, dimension, nCentroids int, compression ivfindex.Compression, trainingSet [][]float32) error {
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.KindPathConflict, "setup_base_index", path+" already exists")
	}
	idx := ivfindex.New(dimension, nCentroids, compression)
	if err := idx.Train(trainingSet); err != nil {
		return errs.Wrap(errs.KindFormatError, "setup_base_index", err)
	}
	return idx.Serialize(path)
}

// loadBase loads the Base Index at basePath and verifies the
// empty-and-trained invariant every subindex/shard build depends on.
func loadBase(basePath string) (*ivfindex.Index, error) {
	base, err := ivfindex.Deserialize(basePath, ivfindex.DeserializeFlags{})
	if err != nil {
		return nil, err
	}
	if !base.IsEmptyAndTrained() {
		base.Close()
		return nil, errs.New(errs.KindFormatError, "load_base_idx", "base index is not empty and trained")
	}
	return base, nil
}

// GenerateSubindex loads basePath (must be empty+trained), adds
// embeddings/ids, and writes the populated index to subindexPath. Fails
// with PathConflict if subindexPath already exists.
func GenerateSubindex(basePath, subindexPath string, embeddings [][]float32, ids []int64) error {
	if _, err := os.Stat(subindexPath); err == nil {
		return errs.New(errs.KindPathConflict, "generate_subindex", subindexPath+" already exists")
	}
	base, err := loadBase(basePath)
	if err != nil {
		return err
	}
	defer base.Close()

	if err := base.AddWithIDs(embeddings, ids); err != nil {
		return errs.Wrap(errs.KindFormatError, "generate_subindex", err)
	}
	return base.Serialize(subindexPath)
}

// mergedSkeleton builds a fresh empty index sharing the structural
// parameters (nlist, dimension, compression, centroids) of the first
// subindex, to receive every source's inverted lists during a merge.
func mergedSkeleton(first *ivfindex.Index) *ivfindex.Index {
	out := ivfindex.New(first.Dimension, first.NCentroids, first.Compression)
	out.Centroids = first.Centroids
	out.Trained = true
	out.NProbe = first.NProbe
	out.Invlists = make([][]int, first.NCentroids)
	return out
}

// MergeIVFs reads each subindex, takes ownership of its inverted
// lists (append-then-drop, modeling the own_invlists=false / suppressed
// double-free idiom the original ties to OnDiskInvertedLists), and
// concatenates them into a fresh index written out as a Shard pair
// (outputIndexPath + outputIvfdataPath). Returns the merged ntotal.
// Fails with PathConflict if either output path already exists.
func MergeIVFs(outputIndexPath, outputIvfdataPath string, subindexPaths []string) (int, error) {
	if len(subindexPaths) == 0 {
		return 0, errs.New(errs.KindFormatError, "merge_ivfs", "no subindexes to merge")
	}
	if _, err := os.Stat(outputIndexPath); err == nil {
		return 0, errs.New(errs.KindPathConflict, "merge_ivfs", outputIndexPath+" already exists")
	}
	if _, err := os.Stat(outputIvfdataPath); err == nil {
		return 0, errs.New(errs.KindPathConflict, "merge_ivfs", outputIvfdataPath+" already exists")
	}

	var merged *ivfindex.Index
	total := 0

	for _, p := range subindexPaths {
		sub, err := ivfindex.Deserialize(p, ivfindex.DeserializeFlags{MMAP: true})
		if err != nil {
			return 0, errs.Wrap(errs.KindFormatError, "merge_ivfs", err)
		}
		if merged == nil {
			merged = mergedSkeleton(sub)
		}
		n, err := appendAllLists(merged, sub)
		if err != nil {
			sub.Close()
			return 0, err
		}
		total += n
		sub.Close() // drop ownership of sub's lists; they now live in merged
	}

	if err := merged.SerializeShard(outputIndexPath, outputIvfdataPath); err != nil {
		return 0, err
	}
	return total, nil
}

// appendAllLists copies every vector+id from src into dst's matching
// centroid lists via its public AddWithIDs API (list-by-list, so
// per-centroid ordering across sources is preserved) and returns the
// number of vectors appended.
func appendAllLists(dst, src *ivfindex.Index) (int, error) {
	vectors, ids := src.AllVectors()
	if len(vectors) != len(ids) {
		return 0, errs.New(errs.KindFormatError, "merge_ivfs", "source list/vector length mismatch")
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	if err := dst.AddWithIDs(vectors, ids); err != nil {
		return 0, errs.Wrap(errs.KindFormatError, "merge_ivfs", err)
	}
	return len(vectors), nil
}

// MvIndexAndIvfdata relocates an index that stores an external path
// reference to its .ivfdata by rewriting both files fresh in destDir
// via MergeIVFs (a naive file move would break the .index -> .ivfdata
// path reference). When onlyCopy is false, the source files are
// removed after a successful rewrite.
func MvIndexAndIvfdata(srcIndexPath, destDir string, onlyCopy bool) (newIndexPath, newIvfdataPath string, err error) {
	base := filepath.Base(srcIndexPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	newIndexPath = filepath.Join(destDir, stem+".index")
	newIvfdataPath = filepath.Join(destDir, stem+".ivfdata")

	if _, ferr := MergeIVFs(newIndexPath, newIvfdataPath, []string{srcIndexPath}); ferr != nil {
		return "", "", ferr
	}
	if !onlyCopy {
		srcIvfdataPath, lookupErr := ivfdataPathOf(srcIndexPath)
		if lookupErr == nil {
			os.Remove(srcIvfdataPath)
		}
		os.Remove(srcIndexPath)
	}
	return newIndexPath, newIvfdataPath, nil
}

func ivfdataPathOf(indexPath string) (string, error) {
	idx, err := ivfindex.Deserialize(indexPath, ivfindex.DeserializeFlags{})
	if err != nil {
		return "", err
	}
	defer idx.Close()
	return idx.IvfdataPath(), nil
}

// ZipIndexes groups .index files under sourceDir by their embedded ISO
// date and, for each date, merges them together with any target-dir
// index that already carries that date (staged through a scratch tmp/
// subdirectory so mv_index_and_ivfdata's rewrite never collides with
// the file it is replacing), producing one consolidated
// "<date>_<suffix>.index" per date in targetDir.
func ZipIndexes(sourceDir, targetDir string, recursive, deleteSources bool) error {
	sourceFiles, err := findIndexes(sourceDir, recursive)
	if err != nil {
		return err
	}
	groups := groupByDate(sourceFiles)
	if len(groups) == 0 {
		return nil
	}

	tmpDir := filepath.Join(targetDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return errs.Wrap(errs.KindFormatError, "zip_indexes", err)
	}
	defer os.RemoveAll(tmpDir)

	targetFiles, err := findIndexes(targetDir, false)
	if err != nil {
		return err
	}

	for date, group := range groups {
		for _, tf := range targetFiles {
			if isoDateRe.FindString(filepath.Base(tf)) != date {
				continue
			}
			tmpIndex, _, err := MvIndexAndIvfdata(tf, tmpDir, false)
			if err != nil {
				return err
			}
			groups[date] = append(group, tmpIndex)
			group = groups[date]
		}
	}

	for date, group := range groups {
		outStem := fmt.Sprintf("%s_%s", date, uuid.NewString()[:8])
		outIndex := filepath.Join(targetDir, outStem+".index")
		outData := filepath.Join(targetDir, outStem+".ivfdata")

		if _, err := MergeIVFs(outIndex, outData, group); err != nil {
			return err
		}

		if deleteSources {
			for _, p := range sourceFiles {
				if isoDateRe.FindString(filepath.Base(p)) == date {
					if ivfdata, err := ivfdataPathOf(p); err == nil {
						os.Remove(ivfdata)
					}
					os.Remove(p)
				}
			}
		}
	}

	return nil
}

func findIndexes(dir string, recursive bool) ([]string, error) {
	var out []string
	if recursive {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(path) == ".index" {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "find_indexes", err)
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, errs.Wrap(errs.KindFormatError, "find_indexes", err)
		}
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".index" {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func groupByDate(paths []string) map[string][]string {
	groups := make(map[string][]string)
	for _, p := range paths {
		date := isoDateRe.FindString(filepath.Base(p))
		if date == "" {
			continue
		}
		groups[date] = append(groups[date], p)
	}
	return groups
}
