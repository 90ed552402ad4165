package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/hyperjump/kotae/internal/apperr"
)

const snapshotMagic = "KTVX"

// Save writes a snapshot of the index to path, creating the directory if needed.
// Format: magic, metric, embedder id, dimension (4), n (4), then per chunk:
// document id, chunk id, sequence index (4), vector (dimension*4 bytes).
// Strings are a 4-byte length followed by the bytes. Integers are little endian.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := m.writeSnapshot(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	return os.Rename(tmp, path)
}

type snapshotEntry struct {
	docID, chunkID string
	e              *entry
}

func (m *MemoryIndex) writeSnapshot(w io.Writer) error {
	m.mu.RLock()
	var entries []snapshotEntry
	for docID, s := range m.shards {
		s.mu.RLock()
		for chunkID, e := range s.entries {
			entries = append(entries, snapshotEntry{docID, chunkID, e})
		}
		s.mu.RUnlock()
	}
	m.mu.RUnlock()

	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := writeString(w, string(m.metric)); err != nil {
		return fmt.Errorf("write metric: %w", err)
	}
	if err := writeString(w, m.embedderID); err != nil {
		return fmt.Errorf("write embedder id: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, se := range entries {
		if err := writeString(w, se.docID); err != nil {
			return fmt.Errorf("write document id: %w", err)
		}
		if err := writeString(w, se.chunkID); err != nil {
			return fmt.Errorf("write chunk id: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(se.e.seq)); err != nil {
			return fmt.Errorf("write sequence: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(se.e.vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load replaces the index contents with the snapshot at path. A missing file is
// not an error and leaves the index unchanged. A snapshot written with another
// metric, embedder or dimension is rejected.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("not a vector index snapshot: %s", path)
	}
	metric, err := readString(r)
	if err != nil {
		return fmt.Errorf("read metric: %w", err)
	}
	if Metric(metric) != m.metric {
		return apperr.New(apperr.KindConfig, "snapshot uses metric %s, index uses %s", metric, m.metric)
	}
	embedderID, err := readString(r)
	if err != nil {
		return fmt.Errorf("read embedder id: %w", err)
	}
	if embedderID != m.embedderID {
		return apperr.New(apperr.KindEmbedderMismatch, "snapshot built with embedder %s, index uses %s", embedderID, m.embedderID)
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return apperr.New(apperr.KindDimensionMismatch, "snapshot has %d dimensions, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	shards := make(map[string]*shard)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		docID, err := readString(r)
		if err != nil {
			return fmt.Errorf("read document id: %w", err)
		}
		chunkID, err := readString(r)
		if err != nil {
			return fmt.Errorf("read chunk id: %w", err)
		}
		var seq uint32
		if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		vec := bytesToFloat32Slice(buf)
		s, ok := shards[docID]
		if !ok {
			s = &shard{entries: make(map[string]*entry)}
			shards[docID] = s
		}
		s.entries[chunkID] = &entry{seq: int(seq), vector: vec, norm: L2Norm(vec)}
	}

	m.Clear()
	m.mu.Lock()
	m.shards = shards
	m.size.Store(int64(n))
	m.mu.Unlock()
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// EncodeVector serializes a vector for storage outside the index.
func EncodeVector(v []float32) []byte {
	return float32SliceToBytes(v)
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) []float32 {
	return bytesToFloat32Slice(b)
}
