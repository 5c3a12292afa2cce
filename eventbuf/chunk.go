package eventbuf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	chunkPrefix = "buffer-"
	plainExt    = ".json"
	gzipExt     = ".json.gz"
)

var errCorruptChunk = errors.New("corrupt chunk file")

// chunk is the on-disk form of one spilled batch.
type chunk[T any] struct {
	Items      []Item[T] `json:"items"`
	Timestamp  int64     `json:"timestamp"`
	Count      int       `json:"count"`
	Compressed bool      `json:"compressed"`
}

type chunkFile struct {
	Path       string
	Stamp      int64
	Compressed bool
}

func chunkName(stamp int64, compressed bool) string {
	ext := plainExt
	if compressed {
		ext = gzipExt
	}
	return chunkPrefix + strconv.FormatInt(stamp, 10) + ext
}

func parseChunkName(name string) (stamp int64, compressed bool, ok bool) {
	if !strings.HasPrefix(name, chunkPrefix) {
		return 0, false, false
	}
	rest := strings.TrimPrefix(name, chunkPrefix)
	switch {
	case strings.HasSuffix(rest, gzipExt):
		rest = strings.TrimSuffix(rest, gzipExt)
		compressed = true
	case strings.HasSuffix(rest, plainExt):
		rest = strings.TrimSuffix(rest, plainExt)
	default:
		return 0, false, false
	}
	stamp, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return stamp, compressed, true
}

// listChunks returns the chunk files in dir, oldest first.
func listChunks(dir string) ([]chunkFile, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []chunkFile
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		stamp, compressed, ok := parseChunkName(ent.Name())
		if !ok {
			continue
		}
		out = append(out, chunkFile{
			Path:       filepath.Join(dir, ent.Name()),
			Stamp:      stamp,
			Compressed: compressed,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Stamp != out[j].Stamp {
			return out[i].Stamp < out[j].Stamp
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func encodeChunk[T any](c *chunk[T]) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling chunk: %w", err)
	}
	if !c.Compressed {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// readChunkBytes returns the uncompressed JSON of a chunk file.
func readChunkBytes(cf chunkFile) ([]byte, error) {
	fi, err := os.Open(cf.Path)
	if err != nil {
		return nil, err
	}
	defer fi.Close()

	var r io.Reader = fi
	if cf.Compressed {
		zr, err := gzip.NewReader(fi)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errCorruptChunk, cf.Path, err)
		}
		defer zr.Close()
		r = zr
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		if cf.Compressed {
			return nil, fmt.Errorf("%w: %s: %v", errCorruptChunk, cf.Path, err)
		}
		return nil, err
	}
	return raw, nil
}

func readChunk[T any](cf chunkFile) (*chunk[T], error) {
	raw, err := readChunkBytes(cf)
	if err != nil {
		return nil, err
	}

	var c chunk[T]
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCorruptChunk, cf.Path, err)
	}
	return &c, nil
}

// chunkStampTaken reports whether a chunk with this stamp exists in either encoding. Errors other than
// the file not existing are returned, since the name cannot be judged free.
func chunkStampTaken(dir string, stamp int64) (bool, error) {
	for _, compressed := range []bool{false, true} {
		_, err := os.Lstat(filepath.Join(dir, chunkName(stamp, compressed)))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, os.ErrNotExist):
		default:
			return false, err
		}
	}
	return false, nil
}

// writeChunkFile atomically writes data as a new chunk in dir. The name starts from stamp and is bumped
// until it does not collide with an existing chunk, so two spills in the same millisecond stay separate.
func writeChunkFile(dir string, stamp int64, compressed bool, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	for {
		taken, err := chunkStampTaken(dir, stamp)
		if err != nil {
			return "", err
		}
		if !taken {
			break
		}
		stamp++
	}
	final := filepath.Join(dir, chunkName(stamp, compressed))

	tmp, err := os.CreateTemp(dir, ".buffer-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return final, nil
}
