package evalcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Context is the set of facts an evaluation depended on. Field order is irrelevant to the resulting key.
type Context map[string]any

// Key returns the storage key for an evaluation: "{namespace}:{subjectID}:{digest}".
func Key(namespace, subjectID string, ctx Context) string {
	return namespace + ":" + subjectID + ":" + ContextDigest(ctx)
}

// ContextDigest is a stable, non-cryptographic hash of the context. Nil-valued fields are treated as absent.
func ContextDigest(ctx Context) string {
	return strconv.FormatUint(murmur3.Sum64([]byte(canonicalContext(ctx))), 36)
}

func canonicalContext(ctx Context) string {
	fields := make([]string, 0, len(ctx))
	for k, v := range ctx {
		if v == nil {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteByte(':')
		// encoding/json sorts nested map keys, so nested values are canonical too
		vb, err := json.Marshal(ctx[k])
		if err != nil {
			// unencodable values (funcs, channels, cycles) collapse to their type; formatting them could recurse forever
			fmt.Fprintf(&sb, "%q", fmt.Sprintf("%T", ctx[k]))
			continue
		}
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}
