// Package veccodec implements the Batch Container file format: an
// on-disk archive of three parallel arrays (embeddings, sent_ids,
// sentences) for one ingest batch, plus the build_training_set helper
// that assembles a training set by scanning batch containers in order.
//
// Grounded on npz_io_funcs.py's load_with_ids/save_with_ids/
// load_training_npz, expressed as a small self-describing binary
// container rather than numpy's .npz (no archive/container library in
// the example pack defines named typed arrays with compression, so this
// one deliberate stdlib-only format is the exception to "never fall
// back to stdlib": see DESIGN.md).
package veccodec

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/exp/mmap"

	"github.com/liliang-cn/newsindex/internal/errs"
)

const (
	magic        uint32 = 0x4e495643 // "NIVC"
	formatVer    uint8  = 1
	flagNone     uint8  = 0
	flagGzip     uint8  = 1
	sentIDSize          = 8 // int64
	float32Size         = 4
)

// Batch is one ingest batch's worth of sentence records.
type Batch struct {
	Embeddings [][]float32 // [N][D]
	SentIDs    []int64     // [N]
	Sentences  []string    // [N]
}

// Dim returns the embedding dimension, or 0 if the batch is empty.
func (b *Batch) Dim() int {
	if len(b.Embeddings) == 0 {
		return 0
	}
	return len(b.Embeddings[0])
}

func validate(b *Batch) error {
	n := len(b.Embeddings)
	if len(b.SentIDs) != n || len(b.Sentences) != n {
		return errs.New(errs.KindFormatError, "save",
			fmt.Sprintf("array length mismatch: embeddings=%d sent_ids=%d sentences=%d",
				n, len(b.SentIDs), len(b.Sentences)))
	}
	return nil
}

// Save writes a Batch Container to path. Fails with a FormatError if the
// three arrays' lengths disagree. When compressed is true the embedding,
// sent_ids and sentence sections are gzip-compressed.
func Save(path string, b *Batch, compressed bool) error {
	if err := validate(b); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.KindPathConflict, "save", path+" already exists")
	}

	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	flag := flagNone
	if compressed {
		flag = flagGzip
	}

	n := len(b.Embeddings)
	dim := b.Dim()

	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}
	if err := binary.Write(w, binary.LittleEndian, formatVer); err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}
	if err := binary.Write(w, binary.LittleEndian, flag); err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}
	if err := binary.Write(w, binary.LittleEndian, int64(n)); err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}
	if err := binary.Write(w, binary.LittleEndian, int64(dim)); err != nil {
		return errs.Wrap(errs.KindFormatError, "save", err)
	}

	var sectionW io.Writer = w
	var gz *gzip.Writer
	if compressed {
		gz = gzip.NewWriter(w)
		sectionW = gz
	}

	for _, vec := range b.Embeddings {
		for _, v := range vec {
			if err := binary.Write(sectionW, binary.LittleEndian, v); err != nil {
				return errs.Wrap(errs.KindFormatError, "save", err)
			}
		}
	}
	for _, id := range b.SentIDs {
		if err := binary.Write(sectionW, binary.LittleEndian, id); err != nil {
			return errs.Wrap(errs.KindFormatError, "save", err)
		}
	}
	for _, s := range b.Sentences {
		if err := binary.Write(sectionW, binary.LittleEndian, int32(len(s))); err != nil {
			return errs.Wrap(errs.KindFormatError, "save", err)
		}
		if _, err := io.WriteString(sectionW, s); err != nil {
			return errs.Wrap(errs.KindFormatError, "save", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return errs.Wrap(errs.KindFormatError, "save", err)
		}
	}
	return nil
}

// Load reads a Batch Container back. When useMmap is true and the
// container is uncompressed, the embedding section is read through a
// read-only memory mapping; the returned rows are still heap copies, not
// views of the mapping.
func Load(path string, useMmap bool) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "load", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var gotMagic uint32
	var ver, flag uint8
	var n, dim int64
	for _, err := range []error{
		binary.Read(r, binary.LittleEndian, &gotMagic),
		binary.Read(r, binary.LittleEndian, &ver),
		binary.Read(r, binary.LittleEndian, &flag),
		binary.Read(r, binary.LittleEndian, &n),
		binary.Read(r, binary.LittleEndian, &dim),
	} {
		if err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
	}
	if gotMagic != magic {
		return nil, errs.New(errs.KindFormatError, "load", "bad magic in "+path)
	}
	if ver != formatVer {
		return nil, errs.New(errs.KindFormatError, "load", "unsupported format version")
	}

	var sectionR io.Reader = r
	if flag == flagGzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		defer gz.Close()
		sectionR = gz
		useMmap = false // compressed sections cannot be mapped directly
	}

	b := &Batch{
		Embeddings: make([][]float32, n),
		SentIDs:    make([]int64, n),
		Sentences:  make([]string, n),
	}

	if useMmap {
		// The embeddings section starts at a fixed offset into the
		// uncompressed file; mmap the whole file read-only and copy that
		// section out of the mapping into per-row float32 slices.
		ra, err := mmap.Open(path)
		if err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		headerLen := int64(4 + 1 + 1 + 8 + 8)
		buf := make([]byte, n*dim*float32Size)
		if _, err := ra.ReadAt(buf, headerLen); err != nil && err != io.EOF {
			ra.Close()
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		for i := int64(0); i < n; i++ {
			row := make([]float32, dim)
			for j := int64(0); j < dim; j++ {
				off := (i*dim + j) * float32Size
				bits := binary.LittleEndian.Uint32(buf[off : off+float32Size])
				row[j] = math.Float32frombits(bits)
			}
			b.Embeddings[i] = row
		}
		// Skip the embeddings section in the streaming reader so the
		// sent_ids/sentences sections that follow are read normally.
		if _, err := io.CopyN(io.Discard, r, n*dim*float32Size); err != nil && err != io.EOF {
			ra.Close()
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		ra.Close()
	} else {
		for i := int64(0); i < n; i++ {
			row := make([]float32, dim)
			for j := int64(0); j < dim; j++ {
				if err := binary.Read(sectionR, binary.LittleEndian, &row[j]); err != nil {
					return nil, errs.Wrap(errs.KindFormatError, "load", err)
				}
			}
			b.Embeddings[i] = row
		}
	}

	for i := int64(0); i < n; i++ {
		if err := binary.Read(sectionR, binary.LittleEndian, &b.SentIDs[i]); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
	}
	for i := int64(0); i < n; i++ {
		var l int32
		if err := binary.Read(sectionR, binary.LittleEndian, &l); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(sectionR, buf); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "load", err)
		}
		b.Sentences[i] = string(buf)
	}

	return b, nil
}

// BuildTrainingSet assembles a [nVectors, D] float32 training set by
// walking npzDir in sorted order and accumulating batch containers
// until nVectors embeddings are collected, truncating the final batch to
// land on exactly nVectors, and saves it as a Batch Container at
// trainingSetPath. If trainingSetPath already exists, it is loaded
// through a read-only mapping and returned as-is (idempotent, matching
// npz_io_funcs.py's load_training_npz). Either way the result is an
// in-memory copy, not a view of a memory mapping.
func BuildTrainingSet(trainingSetPath, npzDir string, nVectors, dim int) ([][]float32, error) {
	if _, err := os.Stat(trainingSetPath); err == nil {
		existing, err := Load(trainingSetPath, true)
		if err != nil {
			return nil, err
		}
		return existing.Embeddings, nil
	}

	entries, err := os.ReadDir(npzDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "build_training_set", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	training := make([][]float32, 0, nVectors)
	for _, name := range names {
		if len(training) >= nVectors {
			break
		}
		batch, err := Load(filepath.Join(npzDir, name), false)
		if err != nil {
			return nil, err
		}
		if batch.Dim() != 0 && batch.Dim() != dim {
			return nil, errs.New(errs.KindFormatError, "build_training_set",
				fmt.Sprintf("dimension mismatch in %s: got %d want %d", name, batch.Dim(), dim))
		}
		training = append(training, batch.Embeddings...)
	}

	if len(training) > nVectors {
		training = training[:nVectors]
	}
	if len(training) < nVectors {
		return nil, errs.New(errs.KindFormatError, "build_training_set",
			fmt.Sprintf("only accumulated %d of %d required training vectors", len(training), nVectors))
	}

	ids := make([]int64, len(training))
	for i := range ids {
		ids[i] = int64(i)
	}
	sentences := make([]string, len(training))
	if err := Save(trainingSetPath, &Batch{Embeddings: training, SentIDs: ids, Sentences: sentences}, false); err != nil {
		return nil, err
	}
	return training, nil
}
