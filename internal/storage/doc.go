// Package storage defines the submission journal used to rebuild node state
// after a restart. The journal records accepted submissions, anchor records
// and round summaries; the file implementation appends JSON lines to the data
// directory and the mysql subpackage persists the same data in MySQL.
package storage
