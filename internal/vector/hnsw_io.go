package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
)

var hnswMagic = [4]byte{'H', 'N', 'S', 'W'}

const hnswVersion uint32 = 1

// Save writes the index to w in a compact little-endian binary format.
//
//	[4B magic "HNSW"] [4B version]
//	[4B dim] [4B maxElements] [4B M] [4B efConstruction] [4B efSearch] [8B seed]
//	[4B count] [4B maxLevel] [4B entryID]
//	For each slot 0..count-1:
//	  [4B level] [dim × 4B float32 vector]
//	  For each layer 0..level: [4B numFriends] [numFriends × 4B slot]
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bw := bufio.NewWriter(w)
	write := func(v any) error { return binary.Write(bw, binary.LittleEndian, v) }

	if _, err := bw.Write(hnswMagic[:]); err != nil {
		return fmt.Errorf("vector: write magic: %w", err)
	}
	header := []any{
		hnswVersion,
		uint32(h.cfg.Dim),
		uint32(h.cfg.MaxElements),
		uint32(h.cfg.M),
		uint32(h.cfg.EfConstruction),
		uint32(h.cfg.EfSearch),
		h.cfg.Seed,
		uint32(len(h.nodes)),
		uint32(h.maxLevel),
		h.entryID,
	}
	for _, v := range header {
		if err := write(v); err != nil {
			return fmt.Errorf("vector: write header: %w", err)
		}
	}

	for slot, nd := range h.nodes {
		if err := write(uint32(nd.level)); err != nil {
			return fmt.Errorf("vector: write slot %d: %w", slot, err)
		}
		if err := write(nd.vector); err != nil {
			return fmt.Errorf("vector: write slot %d: %w", slot, err)
		}
		for lev := 0; lev <= nd.level; lev++ {
			friends := nd.friends[lev]
			if err := write(uint32(len(friends))); err != nil {
				return fmt.Errorf("vector: write slot %d: %w", slot, err)
			}
			if len(friends) > 0 {
				if err := write(friends); err != nil {
					return fmt.Errorf("vector: write slot %d: %w", slot, err)
				}
			}
		}
	}
	return bw.Flush()
}

const (
	// hnswHeaderSize is the byte length of everything before the first slot.
	hnswHeaderSize = 4 + 4 + 5*4 + 8 + 3*4
	// maxSerializedDim bounds the dimension accepted from a file header.
	maxSerializedDim = 1 << 16
)

// ReadHNSW reads an index written by Save. maxElements is the capacity the
// caller declares for the loaded index; zero keeps the stored capacity. A
// declared capacity smaller than the stored element count is an error.
func ReadHNSW(r io.Reader, maxElements int) (*HNSW, error) {
	return readHNSW(r, maxElements, 0, -1)
}

// readHNSW checks the header against dim (when positive) and against the
// input size in bytes (when known) before allocating per-slot storage.
func readHNSW(r io.Reader, maxElements, wantDim int, size int64) (*HNSW, error) {
	br := bufio.NewReader(r)
	read := func(v any) error { return binary.Read(br, binary.LittleEndian, v) }

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("vector: read magic: %w", err)
	}
	if magic != hnswMagic {
		return nil, fmt.Errorf("vector: invalid magic %q", magic[:])
	}
	var version uint32
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("vector: read version: %w", err)
	}
	if version != hnswVersion {
		return nil, fmt.Errorf("vector: unsupported version %d (want %d)", version, hnswVersion)
	}

	var dim, storedMax, m, efC, efS, count, maxLevel uint32
	var seed uint64
	var entryID int32
	for _, v := range []any{&dim, &storedMax, &m, &efC, &efS, &seed, &count, &maxLevel, &entryID} {
		if err := read(v); err != nil {
			return nil, fmt.Errorf("vector: read header: %w", err)
		}
	}
	if dim == 0 || dim > maxSerializedDim {
		return nil, fmt.Errorf("vector: invalid dimension %d in serialized index", dim)
	}
	if wantDim > 0 && int(dim) != wantDim {
		return nil, fmt.Errorf("%w: serialized index has dimension %d, want %d", ErrDimensionMismatch, dim, wantDim)
	}
	// Every slot takes at least its level, its vector and one link count.
	if minSize := hnswHeaderSize + uint64(count)*(8+4*uint64(dim)); size >= 0 && minSize > uint64(size) {
		return nil, fmt.Errorf("vector: index declares %d vectors of dimension %d but the file has only %d bytes", count, dim, size)
	}
	if maxElements <= 0 {
		maxElements = int(storedMax)
	}
	if int(count) > maxElements {
		return nil, fmt.Errorf("%w: index holds %d vectors, declared capacity %d", ErrCapacityExceeded, count, maxElements)
	}
	if count > 0 && (entryID < 0 || uint32(entryID) >= count) {
		return nil, fmt.Errorf("vector: entry point %d out of range", entryID)
	}

	nodes := make([]*node, 0, min(count, 4096))
	for slot := uint32(0); slot < count; slot++ {
		var level uint32
		if err := read(&level); err != nil {
			return nil, fmt.Errorf("vector: read slot %d: %w", slot, err)
		}
		if level > 31 {
			return nil, fmt.Errorf("vector: slot %d has invalid level %d", slot, level)
		}
		vec := make([]float32, dim)
		if err := read(vec); err != nil {
			return nil, fmt.Errorf("vector: read slot %d: %w", slot, err)
		}
		friends := make([][]uint32, level+1)
		for lev := range friends {
			var nf uint32
			if err := read(&nf); err != nil {
				return nil, fmt.Errorf("vector: read slot %d: %w", slot, err)
			}
			if nf > 2*m+1 {
				return nil, fmt.Errorf("vector: slot %d layer %d has %d links", slot, lev, nf)
			}
			if nf == 0 {
				continue
			}
			friends[lev] = make([]uint32, nf)
			if err := read(friends[lev]); err != nil {
				return nil, fmt.Errorf("vector: read slot %d: %w", slot, err)
			}
			for _, f := range friends[lev] {
				if f >= count {
					return nil, fmt.Errorf("vector: slot %d links to missing slot %d", slot, f)
				}
			}
		}
		nodes = append(nodes, &node{vector: vec, level: int(level), friends: friends})
	}

	cfg := Config{
		Dim:            int(dim),
		MaxElements:    maxElements,
		M:              int(m),
		EfConstruction: int(efC),
		EfSearch:       int(efS),
		Seed:           seed,
	}
	cfg.setDefaults()
	if count == 0 {
		entryID = -1
		maxLevel = 0
	}
	return &HNSW{
		cfg:      cfg,
		nodes:    nodes,
		entryID:  entryID,
		maxLevel: int(maxLevel),
		levelMul: 1.0 / math.Log(float64(cfg.M)),
		rng:      rand.New(rand.NewPCG(cfg.Seed+uint64(count), cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// SaveFile writes the index to path through a temporary file and rename, so
// a reader never observes a partially written index.
func (h *HNSW) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := h.Save(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// LoadFile reads an index from path with the declared capacity (see
// ReadHNSW). A positive dim must match the stored dimension. The element
// count in the header is checked against the file size before reading.
func LoadFile(path string, maxElements, dim int) (*HNSW, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index file: %w", err)
	}
	return readHNSW(f, maxElements, dim, info.Size())
}
