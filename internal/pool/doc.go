// Package pool manages the upstream market-data socket connections.
//
// A deployment runs between one and three long-lived WebSocket connections to
// the market-data provider. Each connection owns a disjoint set of ticker
// symbols, assigned at configuration time from an explicit list or a named
// universe resolved through the universe package. Ticks read off each socket
// are tagged with their owning connection id and handed to the event router.
//
// The Provider interface has two implementations chosen at construction:
// Single for one-connection deployments and Pool for multi-connection ones.
package pool
