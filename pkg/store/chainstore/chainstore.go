// Package chainstore provides durable backends for the causal chain ledger.
//
// Every backend stores the full action as JSON next to its sequence number
// and chain hash, so a reloaded ledger can be re-verified from the stored
// actions alone.
package chainstore

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
)

// Open returns the store for driver: "memory", "sqlite", "postgres" or "file".
func Open(ctx context.Context, driver, dsn string) (causalchain.Store, error) {
	switch driver {
	case "", "memory":
		return causalchain.NewMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	case "file":
		return OpenFile(dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
