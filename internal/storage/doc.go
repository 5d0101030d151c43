// Package storage is the durable data layer for users, events,
// registrations and deep-link tokens.
//
// Two drivers implement the same Store interface: a local SQLite file
// (default, zero-setup) and PostgreSQL for shared deployments. Schema
// migrations are embedded and applied on open.
package storage
