// Package dcoptions is the datacenter directory: endpoints and flags per
// datacenter id, plus CDN public keys. All methods are safe for concurrent
// use.
package dcoptions

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/koltyakov/mtp/internal/domain"
)

// Directory holds the known endpoints of every datacenter.
type Directory struct {
	mu      sync.RWMutex
	options map[domain.DcID][]domain.DcOption
	good    map[domain.DcID]string
	cdnKeys map[domain.DcID]string
}

// New returns a directory seeded with opts.
func New(opts []domain.DcOption) *Directory {
	d := &Directory{
		options: make(map[domain.DcID][]domain.DcOption),
		good:    make(map[domain.DcID]string),
		cdnKeys: make(map[domain.DcID]string),
	}
	d.Apply(opts)
	return d
}

// LoadFile reads a JSON array of endpoints.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dc options: %w", err)
	}
	var opts []domain.DcOption
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parse dc options %s: %w", path, err)
	}
	for _, o := range opts {
		if !o.ID.Valid() || o.Host == "" || o.Port <= 0 {
			return nil, fmt.Errorf("parse dc options %s: invalid entry %+v", path, o)
		}
	}
	return New(opts), nil
}

// Apply replaces the endpoints of every datacenter mentioned in opts.
// Datacenters absent from opts keep their current endpoints. Static
// endpoints already known survive a replacement that omits them.
func (d *Directory) Apply(opts []domain.DcOption) {
	grouped := make(map[domain.DcID][]domain.DcOption)
	for _, o := range opts {
		if !o.ID.Valid() {
			continue
		}
		grouped[o.ID] = append(grouped[o.ID], o)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for dc, list := range grouped {
		for _, prev := range d.options[dc] {
			if prev.Has(domain.FlagStatic) && !containsEndpoint(list, prev) {
				list = append(list, prev)
			}
		}
		d.options[dc] = list
	}
}

func containsEndpoint(list []domain.DcOption, o domain.DcOption) bool {
	for _, x := range list {
		if x.Host == o.Host && x.Port == o.Port {
			return true
		}
	}
	return false
}

// Has reports whether dc has at least one endpoint.
func (d *Directory) Has(dc domain.DcID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.options[dc]) > 0
}

// Lookup returns the endpoints of dc in connection order: the pinned-good
// host first, then the remaining endpoints as configured.
func (d *Directory) Lookup(dc domain.DcID) ([]domain.DcOption, bool) {
	return d.lookup(dc, false)
}

// LookupFor is Lookup tuned to a session class: media sessions prefer
// media-only endpoints, other sessions skip them unless nothing else exists.
func (d *Directory) LookupFor(shifted domain.ShiftedDcID) ([]domain.DcOption, bool) {
	class := shifted.Class()
	return d.lookup(shifted.Bare(), class.IsDownload() || class.IsUpload())
}

func (d *Directory) lookup(dc domain.DcID, media bool) ([]domain.DcOption, bool) {
	d.mu.RLock()
	src := d.options[dc]
	good := d.good[dc]
	d.mu.RUnlock()
	if len(src) == 0 {
		return nil, false
	}

	out := make([]domain.DcOption, 0, len(src))
	for _, o := range src {
		if !media && o.Has(domain.FlagMediaOnly) {
			continue
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		out = append(out, src...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i], good, media) < rank(out[j], good, media)
	})
	return out, true
}

func rank(o domain.DcOption, good string, media bool) int {
	r := 2
	if media && o.Has(domain.FlagMediaOnly) {
		r = 1
	}
	if good != "" && o.Host == good {
		r = 0
	}
	return r
}

// SetGood pins host as the preferred endpoint of dc.
func (d *Directory) SetGood(dc domain.DcID, host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if host == "" {
		delete(d.good, dc)
		return
	}
	d.good[dc] = host
}

// Snapshot returns every endpoint ordered by datacenter id.
func (d *Directory) Snapshot() []domain.DcOption {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]domain.DcID, 0, len(d.options))
	for dc := range d.options {
		ids = append(ids, dc)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []domain.DcOption
	for _, dc := range ids {
		out = append(out, d.options[dc]...)
	}
	return out
}

// IDs returns the datacenter ids with known endpoints, ascending.
func (d *Directory) IDs() []domain.DcID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]domain.DcID, 0, len(d.options))
	for dc, opts := range d.options {
		if len(opts) > 0 {
			ids = append(ids, dc)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetCDNKeys replaces the CDN public keys.
func (d *Directory) SetCDNKeys(keys map[domain.DcID]string) {
	cp := make(map[domain.DcID]string, len(keys))
	for dc, k := range keys {
		cp[dc] = k
	}
	d.mu.Lock()
	d.cdnKeys = cp
	d.mu.Unlock()
}

// CDNKey returns the public key of a CDN datacenter.
func (d *Directory) CDNKey(dc domain.DcID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.cdnKeys[dc]
	return k, ok
}
