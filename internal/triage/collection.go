package triage

import (
	"slices"
	"strings"

	"github.com/phototriage/phototriage/internal/fileid"
)

// CompareFunc orders photos for presentation.
type CompareFunc func(a, b *Photo) int

// CompareByName orders photos by case-folded file name.
func CompareByName(a, b *Photo) int {
	return strings.Compare(fileid.Fold(a.Name()), fileid.Fold(b.Name()))
}

// Collection is the observable set of photos for one directory. It has no
// lock: every method must run on the Writer.
type Collection struct {
	photos  []*Photo
	index   map[fileid.Key]*Photo
	compare CompareFunc

	favorites int
	marked    int

	positionsValid bool
}

func newCollection(compare CompareFunc) *Collection {
	if compare == nil {
		compare = CompareByName
	}

	return &Collection{
		index:   make(map[fileid.Key]*Photo),
		compare: compare,
	}
}

// Len returns the number of photos.
func (c *Collection) Len() int { return len(c.photos) }

// Counts returns the running favorite and marked counters.
func (c *Collection) Counts() (favorites, marked int) {
	return c.favorites, c.marked
}

// Find returns the photo with the given identity, or nil.
func (c *Collection) Find(id fileid.Identity) *Photo {
	return c.index[id.Key()]
}

// Append adds p unless a photo with the same identity is present.
func (c *Collection) Append(p *Photo) bool {
	k := p.ID().Key()
	if _, ok := c.index[k]; ok {
		return false
	}

	c.photos = append(c.photos, p)
	c.index[k] = p
	c.count(p, 1)
	c.positionsValid = false

	return true
}

// Remove drops the photo with the given identity and returns it.
func (c *Collection) Remove(id fileid.Identity) *Photo {
	k := id.Key()

	p, ok := c.index[k]
	if !ok {
		return nil
	}

	delete(c.index, k)

	if i := slices.Index(c.photos, p); i >= 0 {
		c.photos = slices.Delete(c.photos, i, i+1)
	}

	c.count(p, -1)
	p.position = -1
	c.positionsValid = false

	return p
}

// Rekey mutates p's identity in place and updates the index. A different
// photo already holding newID is dropped; the file it stood for has been
// replaced on disk.
func (c *Collection) Rekey(p *Photo, newID fileid.Identity) {
	oldKey := p.ID().Key()
	newKey := newID.Key()

	if c.index[oldKey] != p {
		// Already removed from the collection; only the photo follows.
		p.setIdentity(newID)
		return
	}

	if other, ok := c.index[newKey]; ok && other != p {
		c.Remove(newID)
	}

	if c.index[oldKey] == p {
		delete(c.index, oldKey)
	}

	p.setIdentity(newID)
	c.index[newKey] = p
	c.positionsValid = false
}

// SetFlags updates p's annotation flags and the running counters.
func (c *Collection) SetFlags(p *Photo, favorited, marked bool) {
	tracked := c.index[p.ID().Key()] == p
	if tracked {
		c.count(p, -1)
	}

	p.setFlags(favorited, marked)

	if tracked {
		c.count(p, 1)
	}
}

// Clear empties the collection.
func (c *Collection) Clear() {
	for _, p := range c.photos {
		p.position = -1
	}

	c.photos = nil
	c.index = make(map[fileid.Key]*Photo)
	c.favorites, c.marked = 0, 0
	c.positionsValid = false
}

// Photos returns the photos in insertion order.
func (c *Collection) Photos() []*Photo {
	return slices.Clone(c.photos)
}

// Sorted returns the photos in presentation order.
func (c *Collection) Sorted() []*Photo {
	out := slices.Clone(c.photos)
	slices.SortStableFunc(out, c.compare)

	return out
}

// Position returns p's index in presentation order, or -1 if p is not in
// the collection. Positions are rebuilt lazily after any mutation.
func (c *Collection) Position(p *Photo) int {
	if c.index[p.ID().Key()] != p {
		return -1
	}

	if !c.positionsValid {
		for i, q := range c.Sorted() {
			q.position = i
		}

		c.positionsValid = true
	}

	return p.position
}

// Where returns the photos matching keep, in presentation order.
func (c *Collection) Where(keep func(*Photo) bool) []*Photo {
	var out []*Photo

	for _, p := range c.Sorted() {
		if keep(p) {
			out = append(out, p)
		}
	}

	return out
}

func (c *Collection) count(p *Photo, delta int) {
	if p.Favorited() {
		c.favorites += delta
	}

	if p.MarkedForDeletion() {
		c.marked += delta
	}
}
