//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package storage

// This file is compiled when building without CGO or with the purego tag.
// It uses a pure Go SQLite implementation.
//
// Build command:
//   CGO_ENABLED=0 go build -tags "purego" ./...
//
// Driver used: modernc.org/sqlite
//
// The hs_distance scalar function is registered with the driver at init so
// every connection can rank vectors inside SQL.

import (
	"database/sql/driver"
	"fmt"

	"modernc.org/sqlite"

	"github.com/dshills/hybridsearch/internal/distance"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(DistanceFunction, 3, distanceImpl)
}

// readOnlyDSN opens path read-only through a SQLite URI with a busy timeout
// applied to every connection.
func readOnlyDSN(path string) string {
	return fileURI(path) + "?mode=ro&_pragma=busy_timeout(5000)"
}

func distanceImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%s: expected 3 arguments, got %d", DistanceFunction, len(args))
	}
	metric, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s: metric must be TEXT, got %T", DistanceFunction, args[0])
	}
	a, ok := args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: vector must be BLOB, got %T", DistanceFunction, args[1])
	}
	b, ok := args[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("%s: vector must be BLOB, got %T", DistanceFunction, args[2])
	}
	return distance.BlobDistanceByName(metric, a, b)
}
