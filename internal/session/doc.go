// Package session holds the live conversation table: open sessions,
// their message logs, and exactly-once closure semantics.
package session
