package ann

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	manifestFile = "manifest.yaml"
	dataFile     = "ivf.bin"
	magic        = "QHIVF001"
)

// Expect is what the serving process requires of an artifact.
// Empty fields are not checked.
type Expect struct {
	Corpus         string
	EncoderVersion string
	Dimension      int
	CorpusHash     string
}

// Save writes the index into dir as manifest.yaml and ivf.bin. Each file is
// written to a temporary name and renamed, data first.
func (ix *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	sum, err := writeAtomic(filepath.Join(dir, dataFile), ix.writeData)
	if err != nil {
		return fmt.Errorf("write index data: %w", err)
	}

	m := ix.manifest
	m.Checksum = sum
	_, err = writeAtomic(filepath.Join(dir, manifestFile), func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("write index manifest: %w", err)
	}
	ix.manifest = m
	return nil
}

// ReadManifest reads only the manifest of the artifact in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, fmt.Errorf("read index manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", ErrIndexCorrupt, err)
	}
	return m, nil
}

// Load reads the artifact in dir. The manifest is checked against want before
// the data file is read, so a stale artifact is rejected cheaply.
func Load(dir string, want Expect) (*Index, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := check(m, want); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, fmt.Errorf("read index data: %w", err)
	}
	ix, err := decodeData(raw, m)
	if err != nil {
		return nil, err
	}
	ix.manifest = m
	return ix, nil
}

func check(m Manifest, want Expect) error {
	switch {
	case m.FormatVersion != FormatVersion:
		return fmt.Errorf("%w: format %d, want %d", ErrIndexVersionMismatch, m.FormatVersion, FormatVersion)
	case want.Corpus != "" && m.Corpus != want.Corpus:
		return fmt.Errorf("%w: corpus %q, want %q", ErrIndexVersionMismatch, m.Corpus, want.Corpus)
	case want.EncoderVersion != "" && m.EncoderVersion != want.EncoderVersion:
		return fmt.Errorf("%w: encoder %q, want %q", ErrIndexVersionMismatch, m.EncoderVersion, want.EncoderVersion)
	case want.Dimension != 0 && m.Dimension != want.Dimension:
		return fmt.Errorf("%w: dimension %d, want %d", ErrIndexVersionMismatch, m.Dimension, want.Dimension)
	case want.CorpusHash != "" && m.CorpusHash != want.CorpusHash:
		return fmt.Errorf("%w: corpus snapshot %s, want %s", ErrIndexVersionMismatch, m.CorpusHash, want.CorpusHash)
	}
	return nil
}

func (ix *Index) writeData(w io.Writer) error {
	dim := ix.manifest.Dimension
	bw := bufio.NewWriter(w)

	put := func(v any) error { return binary.Write(bw, binary.LittleEndian, v) }

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := put([]uint32{uint32(dim), uint32(len(ix.ids)), uint32(len(ix.centroids))}); err != nil {
		return err
	}
	for _, c := range ix.centroids {
		if err := put(c); err != nil {
			return err
		}
	}
	for _, list := range ix.lists {
		if err := put(uint32(len(list))); err != nil {
			return err
		}
		if err := put(list); err != nil {
			return err
		}
	}
	if err := put(ix.ids); err != nil {
		return err
	}
	for _, v := range ix.vectors {
		if err := put(v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func decodeData(raw []byte, m Manifest) (*Index, error) {
	if len(raw) < len(magic)+16 || string(raw[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrIndexCorrupt)
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	sum := crc32.ChecksumIEEE(body)
	if sum != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrIndexCorrupt)
	}
	if m.Checksum != 0 && m.Checksum != sum {
		return nil, fmt.Errorf("%w: data file does not belong to manifest", ErrIndexCorrupt)
	}

	r := bytes.NewReader(body[len(magic):])
	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	dim, count, nlist := int(header[0]), int(header[1]), int(header[2])
	if dim != m.Dimension || count != m.Count || nlist != m.NList {
		return nil, fmt.Errorf("%w: header disagrees with manifest", ErrIndexCorrupt)
	}
	// Bound allocations by what the file can actually hold.
	if int64(count)*int64(dim)*4 > int64(len(body)) || int64(nlist)*int64(dim)*4 > int64(len(body)) {
		return nil, fmt.Errorf("%w: truncated", ErrIndexCorrupt)
	}

	ix := &Index{
		centroids: make([][]float32, nlist),
		lists:     make([][]uint32, nlist),
		ids:       make([]int64, count),
		vectors:   make([][]float32, count),
	}
	fail := func(err error) (*Index, error) {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}

	for i := range ix.centroids {
		ix.centroids[i] = make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, ix.centroids[i]); err != nil {
			return fail(err)
		}
	}
	members := 0
	for i := range ix.lists {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return fail(err)
		}
		if int(n) > count {
			return fail(fmt.Errorf("list %d has %d members", i, n))
		}
		ix.lists[i] = make([]uint32, n)
		if err := binary.Read(r, binary.LittleEndian, ix.lists[i]); err != nil {
			return fail(err)
		}
		for _, pos := range ix.lists[i] {
			if int(pos) >= count {
				return fail(fmt.Errorf("list %d points past the end", i))
			}
		}
		members += int(n)
	}
	if members != count {
		return fail(fmt.Errorf("lists hold %d members, want %d", members, count))
	}
	if err := binary.Read(r, binary.LittleEndian, ix.ids); err != nil {
		return fail(err)
	}
	for i := range ix.vectors {
		ix.vectors[i] = make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, ix.vectors[i]); err != nil {
			return fail(err)
		}
		for _, f := range ix.vectors[i] {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return fail(fmt.Errorf("vector %d is not finite", ix.ids[i]))
			}
		}
	}
	if r.Len() != 0 {
		return fail(fmt.Errorf("%d trailing bytes", r.Len()))
	}
	return ix, nil
}

// writeAtomic streams fill into path via a temp file, appends a crc32 trailer
// for the data file, and returns the checksum of the streamed bytes.
func writeAtomic(path string, fill func(io.Writer) error) (uint32, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	h := crc32.NewIEEE()
	if err := fill(io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		return 0, err
	}
	sum := h.Sum32()
	if filepath.Base(path) == dataFile {
		if err := binary.Write(tmp, binary.LittleEndian, sum); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return sum, os.Rename(tmp.Name(), path)
}
