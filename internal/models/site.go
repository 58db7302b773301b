package models

import (
	"fmt"
	"time"
)

// Site is a physical location with turnstiles. Every day boundary for its
// employees is computed in Location, never in UTC or the process zone.
type Site struct {
	Code      string
	ObjectBIN string
	Timezone  string
	Location  *time.Location
}

// SiteDirectory resolves site codes to sites.
type SiteDirectory map[string]Site

func NewSiteDirectory(sites []Site) SiteDirectory {
	d := make(SiteDirectory, len(sites))
	for _, s := range sites {
		d[s.Code] = s
	}
	return d
}

// Lookup fails for unknown codes and for sites without a loaded zone.
func (d SiteDirectory) Lookup(code string) (Site, error) {
	s, ok := d[code]
	if !ok {
		return Site{}, fmt.Errorf("unknown site %q", code)
	}
	if s.Location == nil {
		return Site{}, fmt.Errorf("site %q has no timezone", code)
	}
	return s, nil
}
