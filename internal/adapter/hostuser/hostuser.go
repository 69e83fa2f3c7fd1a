// Package hostuser resolves uids against the host account database.
package hostuser

import (
	"os/user"
	"strconv"
	"sync"

	"github.com/qman/qman/internal/ports"
)

// Directory looks up names in /etc/passwd (via os/user) and memoizes
// results. Host accounts do not change mid-run often enough to matter.
type Directory struct {
	mu      sync.Mutex
	byUID   map[int]string
	byName  map[string]int
	unknown map[int]struct{}
}

func New() *Directory {
	return &Directory{
		byUID:   make(map[int]string),
		byName:  make(map[string]int),
		unknown: make(map[int]struct{}),
	}
}

var _ ports.UserDirectory = (*Directory)(nil)

// NameForUID resolves a uid to a login name, falling back to a
// synthetic "user_<uid>" when the account does not exist locally.
func (d *Directory) NameForUID(uid int) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name, ok := d.byUID[uid]; ok {
		return name
	}
	if _, ok := d.unknown[uid]; ok {
		return fallbackName(uid)
	}
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		d.unknown[uid] = struct{}{}
		return fallbackName(uid)
	}
	d.byUID[uid] = u.Username
	d.byName[u.Username] = uid
	return u.Username
}

// UIDForName resolves a login name to its uid.
func (d *Directory) UIDForName(name string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uid, ok := d.byName[name]; ok {
		return uid, true
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, false
	}
	d.byUID[uid] = name
	d.byName[name] = uid
	return uid, true
}

func fallbackName(uid int) string {
	return "user_" + strconv.Itoa(uid)
}
