package store

import (
	"golang.org/x/text/cases"

	gocache "github.com/patrickmn/go-cache"
)

// nameIndex caches the positions of the records matching a case-folded name.
// Positions shift whenever a record is removed, so any mutation resets it.
type nameIndex struct {
	folder cases.Caser
	cache  *gocache.Cache
}

func newNameIndex() *nameIndex {
	return &nameIndex{
		folder: cases.Fold(),
		// No expiration and no janitor goroutine; entries only go away on reset.
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

func (idx *nameIndex) key(name string) string {
	return idx.folder.String(name)
}

// lookup returns the positions of every employee whose name matches.
func (idx *nameIndex) lookup(employees []Employee, name string) []int {
	key := idx.key(name)
	if v, ok := idx.cache.Get(key); ok {
		return v.([]int)
	}

	var positions []int
	for i := range employees {
		if idx.key(employees[i].NameString()) == key {
			positions = append(positions, i)
		}
	}
	idx.cache.Set(key, positions, gocache.NoExpiration)
	return positions
}

func (idx *nameIndex) reset() {
	idx.cache.Flush()
}
