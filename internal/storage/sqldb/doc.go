// Package sqldb persists the contacts directory in MySQL or SQLite. Schema
// changes ship as embedded migrations applied on open.
package sqldb
