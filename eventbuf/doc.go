// Rolling, two-tier retention for timestamped items.
//
// Recent items live in a bounded in-memory window. When the window overflows, its oldest half is spilled to a chunk file in the storage directory (optionally gzip-compressed), so memory stays bounded without dropping older data. A background task deletes chunk files past the retention horizon.
//
// Chunk files are named buffer-<unixMillis>.json or buffer-<unixMillis>.json.gz and hold a JSON object:
//
//	{"items": [...], "timestamp": 1700000000000, "count": 3, "compressed": true}
package eventbuf
