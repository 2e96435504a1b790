package dialect

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// LastInsertIDStrategy selects how the id generated by the last insert is read back.
type LastInsertIDStrategy int

const (
	// LastInsertIDUnsupported means the driver offers no way to read it.
	LastInsertIDUnsupported LastInsertIDStrategy = iota
	// LastInsertIDNative reads sql.Result.LastInsertId from the insert itself.
	LastInsertIDNative
	// LastInsertIDQuery runs LastInsertIDQuery on the same connection after the insert.
	LastInsertIDQuery
)

func (s LastInsertIDStrategy) String() string {
	switch s {
	case LastInsertIDNative:
		return "native"
	case LastInsertIDQuery:
		return "query"
	default:
		return "unsupported"
	}
}

// Profile describes the behavior of one database vendor.
type Profile struct {
	Name string
	// Drivers are the database/sql driver names that select this profile.
	Drivers []string
	// Schemes are URL prefixes (before "://" or ":") that select this profile.
	Schemes []string
	// PingQuery validates an idle connection. Empty means use PingContext.
	PingQuery string
	// SchemaQuery switches the session schema; "$schema" is replaced.
	SchemaQuery       string
	LastInsertID      LastInsertIDStrategy
	LastInsertIDQuery string
	// IgnoreTables matches table names that reverse engineering should skip.
	IgnoreTables *regexp.Regexp
	Case         CasePolicy
	// TablesQuery lists the tables of the current schema, one name per row.
	TablesQuery string
	// BuildDSN merges credentials into the configured URL. Nil returns the URL unchanged.
	BuildDSN func(url, user, password string) (string, error)
}

// SchemaStatement returns the statement that selects the given schema, or "" if
// the profile has none or schema is empty.
func (p *Profile) SchemaStatement(schema string) string {
	if p.SchemaQuery == "" || schema == "" {
		return ""
	}
	return strings.ReplaceAll(p.SchemaQuery, "$schema", schema)
}

// IgnoreTable reports whether the table name matches the profile's ignore pattern.
func (p *Profile) IgnoreTable(name string) bool {
	return p.IgnoreTables != nil && p.IgnoreTables.MatchString(name)
}

// DSN builds the data source name passed to sql.Open.
func (p *Profile) DSN(url, user, password string) (string, error) {
	if p.BuildDSN == nil || (user == "" && password == "") {
		return url, nil
	}
	dsn, err := p.BuildDSN(url, user, password)
	if err != nil {
		return "", fmt.Errorf("%s: build dsn: %w", p.Name, err)
	}
	return dsn, nil
}

// DriverName returns the database/sql driver to open for this profile.
func (p *Profile) DriverName() string {
	if len(p.Drivers) == 0 {
		return ""
	}
	return p.Drivers[0]
}

// Unknown is used when no registered profile matches.
var Unknown = &Profile{
	Name: "unknown",
	Case: CaseSensitive,
}

var (
	mu       sync.RWMutex
	profiles []*Profile
)

// Register adds a profile to the lookup table.
func Register(p *Profile) {
	mu.Lock()
	defer mu.Unlock()
	profiles = append(profiles, p)
}

// Get retrieves a registered profile by name or database/sql driver name.
func Get(name string) (*Profile, bool) {
	mu.RLock()
	defer mu.RUnlock()
	name = strings.ToLower(name)
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
		for _, d := range p.Drivers {
			if d == name {
				return p, true
			}
		}
	}
	return nil, false
}

// Resolve finds the profile for a driver name and/or URL. The driver name wins
// when both match different profiles. When nothing matches it returns Unknown
// and false; callers log a warning.
func Resolve(driver, url string) (*Profile, bool) {
	if driver != "" {
		if p, ok := Get(driver); ok {
			return p, true
		}
	}
	scheme := Scheme(url)
	if scheme != "" {
		mu.RLock()
		defer mu.RUnlock()
		for _, p := range profiles {
			for _, s := range p.Schemes {
				if s == scheme {
					return p, true
				}
			}
		}
	}
	return Unknown, false
}

// Scheme extracts the lower-cased scheme of a connection URL: "postgres" for
// "postgres://h/db", "file" for "file:test.db". A leading "jdbc:" is skipped.
func Scheme(url string) string {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(url)), "jdbc:")
	i := strings.IndexAny(s, ":")
	if i <= 0 {
		return ""
	}
	scheme := s[:i]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return scheme
}
