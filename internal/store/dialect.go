package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
)

// Dialect captures the SQL differences between the PostGIS deployment store
// and the embedded SQLite store.
type Dialect struct {
	Name       string // migration set and golang-migrate driver name
	DriverName string // database/sql driver name

	placeholder func(n int) string
	pointIn     func(ph string) string
	pointOut    func(col string) string
	timeValue   func(t time.Time) any
}

// Postgres targets PostGIS; points travel as EWKB.
var Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	pointIn:     func(ph string) string { return "ST_GeomFromEWKB(" + ph + ")" },
	pointOut:    func(col string) string { return "ST_AsEWKB(" + col + ")" },
	timeValue:   func(t time.Time) any { return t.UTC() },
}

// sqliteTimeLayout is RFC 3339 with a fixed nine-digit fraction, so text
// order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite stores EWKB blobs and fixed-width RFC 3339 UTC timestamps.
var SQLite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite",
	placeholder: func(int) string { return "?" },
	pointIn:     func(ph string) string { return ph },
	pointOut:    func(col string) string { return col },
	timeValue:   func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

// DialectFor resolves a dialect by name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgis":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported store driver %q", name)
	}
}

// IsConstraintViolation reports whether err came from a uniqueness or other
// integrity constraint. Such failures are not transient.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		const sqliteConstraint = 19
		return liteErr.Code()&0xff == sqliteConstraint
	}
	return false
}
