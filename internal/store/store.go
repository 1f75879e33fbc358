// Package store persists pairing records between runs of the driver.
package store

import (
	"context"

	"github.com/chaz8081/flicd/internal/button"
)

// Store loads and saves the complete set of pairing records. SaveAll
// replaces whatever was stored before and keeps the given order.
type Store interface {
	LoadAll(ctx context.Context) ([]button.Record, error)
	SaveAll(ctx context.Context, records []button.Record) error
}
