// Package xio has i/o helpers for line-based network protocols: protocol
// transcript logging, bounded line reading and connection wrappers for
// in-band TLS upgrades.
package xio
