// Package storage persists users, their game libraries, the update log, and
// per-user aggregate stats in a local sqlite database.
package storage
