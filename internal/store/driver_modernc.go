//go:build !cgo_sqlite

package store

// Pure Go SQLite, no C toolchain needed. This is the default build.
//
//	CGO_ENABLED=0 go build ./...

import (
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver in use.
	DriverName = "sqlite"

	// BuildMode describes the SQLite build.
	BuildMode = "purego"
)

// buildDSN sets the connection pragmas in the DSN so every pooled
// connection gets them, not only the first.
func buildDSN(path string, busy time.Duration, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	}
	return "file:" + path + "?" + q.Encode()
}
