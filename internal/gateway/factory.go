package gateway

import (
	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/mexc"
)

// Factory builds a Gateway for one follower's (or the master's) decrypted
// credentials. Generalized from the teacher's per-exchange-type switch
// (internal/gateway/factory.go's DefaultFactory) down to this spec's single
// venue: every follower trades MEXC contracts, so there is nothing left to
// switch on.
type Factory func(cfg mexc.Config) (exchange.Gateway, error)

// DefaultFactory builds a mexc.Client gateway.
func DefaultFactory(cfg mexc.Config) (exchange.Gateway, error) {
	return mexc.NewClient(cfg)
}
