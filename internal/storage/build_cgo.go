//go:build sqlite_vec
// +build sqlite_vec

package storage

// This file is compiled when building with CGO and the sqlite_vec tag.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5" ./...
//
// Driver used: github.com/mattn/go-sqlite3, registered under its own name
// so the ConnectHook can install hs_distance on every new connection.

import (
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/dshills/hybridsearch/internal/distance"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3_hybridsearch"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc(DistanceFunction, distance.BlobDistanceByName, true)
		},
	})
}

// readOnlyDSN opens path read-only through a SQLite URI. mattn applies
// _busy_timeout to every connection.
func readOnlyDSN(path string) string {
	return fileURI(path) + "?mode=ro&_busy_timeout=5000"
}
