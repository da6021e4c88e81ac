package db

import (
	"sort"
	"strings"
	"sync"
)

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog is an in-memory, case-insensitive index of station names. The
// zero value is empty; Replace swaps the contents atomically.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Station
	sorted []Station
}

func NewCatalog(stations []Station) *Catalog {
	c := &Catalog{}
	c.Replace(stations)
	return c
}

func (c *Catalog) Replace(stations []Station) {
	byName := make(map[string]Station, len(stations))
	for _, s := range stations {
		key := catalogKey(s.Name)
		if key == "" {
			continue
		}
		if _, dup := byName[key]; !dup {
			byName[key] = s
		}
	}
	sorted := make([]Station, 0, len(byName))
	for _, s := range byName {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = byName
	c.sorted = sorted
}

// Lookup finds a station by name, ignoring case and repeated spaces.
func (c *Catalog) Lookup(name string) (Station, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[catalogKey(name)]
	return s, ok
}

func (c *Catalog) Stations() []Station {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Station(nil), c.sorted...)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sorted)
}

func catalogKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
