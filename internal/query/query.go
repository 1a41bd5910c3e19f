// Package query runs SQL locally over result tables that were already
// fetched, without another remote execution.
package query

import (
	"context"
	"time"

	"github.com/duckmesh/spice/internal/table"
)

type Request struct {
	SQL      string
	RowLimit int
	// Tables are exposed to the SQL under their map key.
	Tables map[string]table.Table
}

type Result struct {
	Table       table.Table
	ScannedRows int
	Duration    time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
