package ivfindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/exp/mmap"

	"github.com/liliang-cn/newsindex/internal/errs"
)

const (
	ivfMagic     uint32 = 0x49564631 // "IVF1"
	ivfFormatVer uint8  = 1

	entryModeInline   uint8 = 0
	entryModeExternal uint8 = 1
)

// mappedIVFData backs an Index whose inverted lists were externalized
// to an .ivfdata file and opened with the MMAP flag. Entries are
// decoded on demand from the mapping, so access faults the backing
// pages in lazily rather than copying the whole file up front.
type mappedIVFData struct {
	ra        *mmap.ReaderAt
	dim       int
	entrySize int64
	// posOffset[pos] is the byte offset of position pos's entry within
	// the ivfdata file.
	posOffset []int64
	ids       idView
	vectors   vecView
}

// idView and vecView adapt mappedIVFData's on-demand decoding to the
// same []int64 / [][]float32 indexing style that the inline in-memory
// path uses, via small index types implementing only what Index needs.
type idView struct{ m *mappedIVFData }
type vecView struct{ m *mappedIVFData }

func (v idView) at(pos int) int64 {
	buf := make([]byte, 8)
	if _, err := v.m.ra.ReadAt(buf, v.m.posOffset[pos]); err != nil && err != io.EOF {
		return -1
	}
	return int64(binary.LittleEndian.Uint64(buf))
}

func (v vecView) at(pos int) []float32 {
	buf := make([]byte, v.m.dim*4)
	if _, err := v.m.ra.ReadAt(buf, v.m.posOffset[pos]+8); err != nil && err != io.EOF {
		return make([]float32, v.m.dim)
	}
	out := make([]float32, v.m.dim)
	for i := 0; i < v.m.dim; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out
}

// Close releases the memory mapping backing an externally-loaded index.
func (ivf *Index) Close() error {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	if ivf.mapped != nil {
		return ivf.mapped.ra.Close()
	}
	return nil
}

func writeHeader(w io.Writer, ivf *Index, entryMode uint8) error {
	fields := []any{
		ivfMagic, ivfFormatVer, entryMode,
		int32(ivf.NCentroids), int32(ivf.Dimension), uint8(ivf.Compression),
		ivf.Trained, int32(ivf.NProbe),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for _, c := range ivf.Centroids {
		for _, v := range c {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func readHeader(r io.Reader) (entryMode uint8, nCentroids, dim int, compression Compression, trained bool, nprobe int, centroids [][]float32, err error) {
	var magic uint32
	var ver uint8
	var nc, d, np int32
	var comp uint8
	for _, target := range []any{&magic, &ver, &entryMode, &nc, &d, &comp, &trained, &np} {
		if err = binary.Read(r, binary.LittleEndian, target); err != nil {
			return
		}
	}
	if magic != ivfMagic {
		err = fmt.Errorf("bad magic")
		return
	}
	if ver != ivfFormatVer {
		err = fmt.Errorf("unsupported index format version %d", ver)
		return
	}
	nCentroids, dim, nprobe = int(nc), int(d), int(np)
	compression = Compression(comp)

	centroids = make([][]float32, nCentroids)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
		for j := range centroids[i] {
			if err = binary.Read(r, binary.LittleEndian, &centroids[i][j]); err != nil {
				return
			}
		}
	}
	return
}

// Serialize writes the index inline to path: header, centroids, then
// every inverted list's (id, vector) entries in list order. Used for
// the Base Index (ntotal==0, lists empty) and for a Subindex. Fails
// with PathConflict if path already exists.
func (ivf *Index) Serialize(path string) error {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.KindPathConflict, "serialize", path+" already exists")
	}

	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	if err := writeHeader(w, ivf, entryModeInline); err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize", err)
	}

	for _, list := range ivf.Invlists {
		if err := binary.Write(w, binary.LittleEndian, int64(len(list))); err != nil {
			return errs.Wrap(errs.KindFormatError, "serialize", err)
		}
	}
	for _, list := range ivf.Invlists {
		for _, pos := range list {
			if err := binary.Write(w, binary.LittleEndian, ivf.IDs[pos]); err != nil {
				return errs.Wrap(errs.KindFormatError, "serialize", err)
			}
			for _, v := range ivf.Vectors[pos] {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return errs.Wrap(errs.KindFormatError, "serialize", err)
				}
			}
		}
	}
	return nil
}

// SerializeShard writes the index's inverted lists out to a standalone
// .ivfdata file and writes indexPath with a header plus a path
// reference to ivfdataPath and each list's length, matching the merged
// Shard on-disk format. Fails with PathConflict if either path already
// exists.
func (ivf *Index) SerializeShard(indexPath, ivfdataPath string) error {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	if _, err := os.Stat(indexPath); err == nil {
		return errs.New(errs.KindPathConflict, "serialize_shard", indexPath+" already exists")
	}
	if _, err := os.Stat(ivfdataPath); err == nil {
		return errs.New(errs.KindPathConflict, "serialize_shard", ivfdataPath+" already exists")
	}

	dataFile, err := os.Create(ivfdataPath)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}
	defer dataFile.Close()
	dw := bufio.NewWriter(dataFile)

	for _, list := range ivf.Invlists {
		for _, pos := range list {
			if err := binary.Write(dw, binary.LittleEndian, ivf.IDs[pos]); err != nil {
				return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
			}
			for _, v := range ivf.Vectors[pos] {
				if err := binary.Write(dw, binary.LittleEndian, v); err != nil {
					return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
				}
			}
		}
	}
	if err := dw.Flush(); err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}

	idxFile, err := os.Create(indexPath)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}
	defer idxFile.Close()
	iw := bufio.NewWriter(idxFile)
	defer iw.Flush()

	if err := writeHeader(iw, ivf, entryModeExternal); err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}
	if err := binary.Write(iw, binary.LittleEndian, int32(len(ivfdataPath))); err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}
	if _, err := io.WriteString(iw, ivfdataPath); err != nil {
		return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
	}
	for _, list := range ivf.Invlists {
		if err := binary.Write(iw, binary.LittleEndian, int64(len(list))); err != nil {
			return errs.Wrap(errs.KindFormatError, "serialize_shard", err)
		}
	}
	return nil
}

// DeserializeFlags control how Deserialize loads inverted-list data.
type DeserializeFlags struct {
	// MMAP memory-maps the .ivfdata backing store (Shard case) instead
	// of reading it fully into the process heap. Ignored for inline
	// (Base Index / Subindex) files, which have no external data file.
	MMAP bool
}

// Deserialize reads an index written by Serialize or SerializeShard.
func Deserialize(path string, flags DeserializeFlags) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindMissingShard, "deserialize", err)
		}
		return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	entryMode, nCentroids, dim, compression, trained, nprobe, centroids, err := readHeader(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
	}

	ivf := &Index{
		NCentroids:  nCentroids,
		Dimension:   dim,
		Compression: compression,
		Centroids:   centroids,
		Trained:     trained,
		NProbe:      nprobe,
		Invlists:    make([][]int, nCentroids),
	}

	if entryMode == entryModeInline {
		listLens := make([]int64, nCentroids)
		for i := range listLens {
			if err := binary.Read(r, binary.LittleEndian, &listLens[i]); err != nil {
				return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
			}
		}
		pos := 0
		for c, n := range listLens {
			for i := int64(0); i < n; i++ {
				var id int64
				if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
					return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
				}
				vec := make([]float32, dim)
				for d := range vec {
					if err := binary.Read(r, binary.LittleEndian, &vec[d]); err != nil {
						return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
					}
				}
				ivf.Invlists[c] = append(ivf.Invlists[c], pos)
				ivf.IDs = append(ivf.IDs, id)
				ivf.Vectors = append(ivf.Vectors, vec)
				pos++
			}
		}
		return ivf, nil
	}

	// entryModeExternal: read the .ivfdata path reference and list
	// lengths, then either mmap or fully load the data file.
	var pathLen int32
	if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
	}
	ivfdataPath := string(pathBuf)
	ivf.ivfdataPath = ivfdataPath

	listLens := make([]int64, nCentroids)
	for i := range listLens {
		if err := binary.Read(r, binary.LittleEndian, &listLens[i]); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
		}
	}

	entrySize := int64(8 + dim*4)
	pos := 0
	var byteOffset int64
	offsets := make([]int64, 0)
	for c, n := range listLens {
		for i := int64(0); i < n; i++ {
			ivf.Invlists[c] = append(ivf.Invlists[c], pos)
			offsets = append(offsets, byteOffset)
			byteOffset += entrySize
			pos++
		}
	}

	if flags.MMAP {
		ra, err := mmap.Open(ivfdataPath)
		if err != nil {
			return nil, errs.Wrap(errs.KindMissingShard, "deserialize", err)
		}
		m := &mappedIVFData{ra: ra, dim: dim, entrySize: entrySize, posOffset: offsets}
		m.ids = idView{m: m}
		m.vectors = vecView{m: m}
		ivf.mapped = m
		return ivf, nil
	}

	dataFile, err := os.Open(ivfdataPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindMissingShard, "deserialize", err)
	}
	defer dataFile.Close()
	dr := bufio.NewReader(dataFile)
	for range offsets {
		var id int64
		if err := binary.Read(dr, binary.LittleEndian, &id); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
		}
		vec := make([]float32, dim)
		for d := range vec {
			if err := binary.Read(dr, binary.LittleEndian, &vec[d]); err != nil {
				return nil, errs.Wrap(errs.KindFormatError, "deserialize", err)
			}
		}
		ivf.IDs = append(ivf.IDs, id)
		ivf.Vectors = append(ivf.Vectors, vec)
	}
	return ivf, nil
}

// Ntotal helper used by the Index Builder to verify merge_IVFs'
// count-preservation invariant without exposing internal fields.
func Ntotal(path string) (int, error) {
	ivf, err := Deserialize(path, DeserializeFlags{MMAP: false})
	if err != nil {
		return 0, err
	}
	defer ivf.Close()
	return ivf.Ntotal(), nil
}
