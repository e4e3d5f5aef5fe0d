package query

import "github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"

// RoundRobin interleaves lists (lists[0][0], lists[1][0], lists[0][1], ...)
// keeping only the first occurrence of every key.
func RoundRobin[T any](key func(T) string, lists ...[]T) []T {
	total, longest := 0, 0
	for _, l := range lists {
		total += len(l)
		longest = max(longest, len(l))
	}
	out := make([]T, 0, total)
	seen := make(map[string]struct{}, total)
	for i := 0; i < longest; i++ {
		for _, l := range lists {
			if i >= len(l) {
				continue
			}
			k := key(l[i])
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, l[i])
		}
	}
	return out
}

func entityKey(e common.Entity) string     { return e.Name }
func relationKey(r common.Relation) string { return r.Key().String() }
func passageKey(p common.Passage) string   { return p.ID }

// MergeEntities merges the local and global entity lists.
func MergeEntities(local, global []common.Entity) []common.Entity {
	return RoundRobin(entityKey, local, global)
}

// MergeRelations merges the local and global relation lists. (A,B) and
// (B,A) are the same relation.
func MergeRelations(local, global []common.Relation) []common.Relation {
	return RoundRobin(relationKey, local, global)
}

// MergePassages merges passage lists by ID.
func MergePassages(lists ...[]common.Passage) []common.Passage {
	return RoundRobin(passageKey, lists...)
}
