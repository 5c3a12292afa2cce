package eventbuf

import (
	"encoding/json"
	"math"
	"os"
)

// assumed original:compressed ratio when a compressed chunk cannot be decompressed
const fallbackCompressionRatio = 3

type Stats struct {
	MemoryItems       int     `json:"memoryItems"`
	FileItems         int     `json:"fileItems"`
	TotalItems        int     `json:"totalItems"`
	MemorySize        int64   `json:"memorySize"`
	FileSize          int64   `json:"fileSize"`
	TotalSize         int64   `json:"totalSize"`
	Evictions         uint64  `json:"evictions"`
	FileWrites        uint64  `json:"fileWrites"`
	FileReads         uint64  `json:"fileReads"`
	CompressionRatio  float64 `json:"compressionRatio"`
	CompressedFiles   int     `json:"compressedFiles"`
	UncompressedFiles int     `json:"uncompressedFiles"`
}

// Stats reports memory and on-disk usage. File figures come from walking the storage directory; for
// compressed chunks the uncompressed size is measured by decompressing them. CompressionRatio is
// uncompressed bytes over stored bytes across compressed chunks, or 0 if there are none.
func (b *Buffer[T]) Stats() Stats {
	b.lk.Lock()
	defer b.lk.Unlock()

	st := Stats{
		MemoryItems: len(b.window),
		Evictions:   b.evictions,
		FileWrites:  b.fileWrites,
		FileReads:   b.fileReads,
	}
	for _, it := range b.window {
		if raw, err := json.Marshal(it); err == nil {
			st.MemorySize += int64(len(raw))
		}
	}

	var gzStored, gzOriginal int64
	for _, cf := range b.chunksLocked() {
		fi, err := os.Stat(cf.Path)
		if err != nil {
			continue
		}
		size := fi.Size()
		st.FileSize += size

		raw, err := readChunkBytes(cf)
		if cf.Compressed {
			st.CompressedFiles++
			gzStored += size
			if err != nil {
				corruptChunks.Inc()
				b.logger.Warn("could not decompress chunk file for stats", "path", cf.Path, "err", err)
				gzOriginal += size * fallbackCompressionRatio
				continue
			}
			gzOriginal += int64(len(raw))
		} else {
			st.UncompressedFiles++
			if err != nil {
				b.logger.Warn("could not read chunk file for stats", "path", cf.Path, "err", err)
				continue
			}
		}

		var head struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			corruptChunks.Inc()
			b.logger.Warn("skipping unparseable chunk file in stats", "path", cf.Path, "err", err)
			continue
		}
		st.FileItems += len(head.Items)
	}

	st.TotalItems = st.MemoryItems + st.FileItems
	st.TotalSize = st.MemorySize + st.FileSize
	if gzStored > 0 {
		st.CompressionRatio = math.Round(float64(gzOriginal)/float64(gzStored)*100) / 100
	}
	return st
}
