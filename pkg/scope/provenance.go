package scope

import (
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
)

// DefaultRecordKey is the marker key used in provenance file paths, as in
// "product_id:42:source:manual.pdf".
const DefaultRecordKey = "product_id"

// RecordIDs parses the record IDs from a FieldSep joined provenance value.
// Segments without a "<key>:<id>" prefix are ignored. The result keeps the
// first-seen order and has no duplicates.
func RecordIDs(filePath, key string) []string {
	if key == "" {
		key = DefaultRecordKey
	}
	prefix := key + ":"

	var out []string
	seen := map[string]struct{}{}
	for _, seg := range common.SplitField(filePath) {
		rest, ok := strings.CutPrefix(seg, prefix)
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(rest, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PassageOwner returns the owning record of a passage: OwnerID when set,
// otherwise the first record ID in its file path.
func PassageOwner(p common.Passage, key string) (string, bool) {
	if p.OwnerID != "" {
		return p.OwnerID, true
	}
	ids := RecordIDs(p.FilePath, key)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}
