package usbid

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists where Linux distributions install usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. It is safe for concurrent
// use.
type Database struct {
	mutex    sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

// New returns an empty database.
func New() *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// LoadFile parses the first of paths that exists and returns its name. If
// none exists the error wraps fs.ErrNotExist.
func (db *Database) LoadFile(paths ...string) (string, error) {
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		err = db.Load(f)
		f.Close()
		return path, err
	}
	return "", fs.ErrNotExist
}

// Load parses a database in usb.ids format, adding to any entries already
// present.
func (db *Database) Load(r io.Reader) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	var (
		vendor   uint16
		inVendor bool
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// Interface lines are indented twice and ignored.
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := parseEntry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := parseEntry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	return scanner.Err()
}

// parseEntry splits "xxxx  Name" into its ID and name.
func parseEntry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name of vid, or the empty string.
func (db *Database) Vendor(vid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.vendors[vid]
}

// Product returns the name of pid under vid, or the empty string.
func (db *Database) Product(vid, pid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.vendors), len(db.products)
}
