package annotation

import "github.com/phototriage/phototriage/internal/fileid"

// DirectoryAnnotations is the classified result of GetAllForDirectory.
// Every annotated identity appears in exactly one of the three maps.
type DirectoryAnnotations struct {
	FavoriteOnly map[fileid.Key]fileid.Identity
	MarkedOnly   map[fileid.Key]fileid.Identity
	Both         map[fileid.Key]fileid.Identity
}

func partition(favs, marks []fileid.Identity) *DirectoryAnnotations {
	d := &DirectoryAnnotations{
		FavoriteOnly: make(map[fileid.Key]fileid.Identity, len(favs)),
		MarkedOnly:   make(map[fileid.Key]fileid.Identity, len(marks)),
		Both:         make(map[fileid.Key]fileid.Identity),
	}

	for _, id := range favs {
		d.FavoriteOnly[id.Key()] = id
	}

	for _, id := range marks {
		k := id.Key()

		if fav, ok := d.FavoriteOnly[k]; ok {
			delete(d.FavoriteOnly, k)
			d.Both[k] = fav

			continue
		}

		d.MarkedOnly[k] = id
	}

	return d
}

// Get returns the flags for id; absent ids are unflagged.
func (d *DirectoryAnnotations) Get(id fileid.Identity) Annotation {
	k := id.Key()

	switch {
	case hasKey(d.Both, k):
		return Annotation{Favorited: true, MarkedForDeletion: true}
	case hasKey(d.FavoriteOnly, k):
		return Annotation{Favorited: true}
	case hasKey(d.MarkedOnly, k):
		return Annotation{MarkedForDeletion: true}
	default:
		return Annotation{}
	}
}

// Len is the number of annotated identities.
func (d *DirectoryAnnotations) Len() int {
	return len(d.FavoriteOnly) + len(d.MarkedOnly) + len(d.Both)
}

func hasKey(m map[fileid.Key]fileid.Identity, k fileid.Key) bool {
	_, ok := m[k]
	return ok
}
