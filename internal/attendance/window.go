package attendance

import (
	"time"
	// Tenant timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/model"
)

// Window is the daily attendance window as offsets from local midnight.
// Entries in [Start, Cutoff) are PRESENT, [Cutoff, End) LATE.
type Window struct {
	Start  time.Duration
	Cutoff time.Duration
	End    time.Duration
}

// ParseWindow converts HH:MM settings into a Window.
func ParseWindow(cfg config.WindowConfig) (Window, error) {
	if err := cfg.Validate(); err != nil {
		return Window{}, eris.Wrap(err, "attendance: parse window")
	}
	// Validate already proved these parse.
	start, _ := config.ParseClock(cfg.StartLocal)
	cutoff, _ := config.ParseClock(cfg.CutoffLocal)
	end, _ := config.ParseClock(cfg.EndLocal)
	return Window{Start: start, Cutoff: cutoff, End: end}, nil
}

// Classify returns the status for a local entry time, or false when the
// time is outside the window.
func (w Window) Classify(local time.Time) (model.AttendanceStatus, bool) {
	// Wall-clock offset; elapsed time since midnight drifts an hour on DST days.
	h, m, sec := local.Clock()
	offset := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second + time.Duration(local.Nanosecond())
	switch {
	case offset < w.Start || offset >= w.End:
		return "", false
	case offset < w.Cutoff:
		return model.AttendancePresent, true
	default:
		return model.AttendanceLate, true
	}
}

// Timezones maps tenants to their local time zone.
type Timezones struct {
	def     *time.Location
	tenants map[string]*time.Location
}

// LoadTimezones resolves the default and per-tenant IANA zone names.
func LoadTimezones(def string, tenants map[string]string) (*Timezones, error) {
	if def == "" {
		def = "UTC"
	}
	loc, err := time.LoadLocation(def)
	if err != nil {
		return nil, eris.Wrapf(err, "attendance: load timezone %q", def)
	}
	tz := &Timezones{def: loc, tenants: make(map[string]*time.Location, len(tenants))}
	for tenant, name := range tenants {
		l, err := time.LoadLocation(name)
		if err != nil {
			return nil, eris.Wrapf(err, "attendance: load timezone %q for tenant %s", name, tenant)
		}
		tz.tenants[tenant] = l
	}
	return tz, nil
}

// For returns the tenant's location, falling back to the default.
func (tz *Timezones) For(tenantID string) *time.Location {
	if tz == nil {
		return time.UTC
	}
	if l, ok := tz.tenants[tenantID]; ok {
		return l
	}
	return tz.def
}
