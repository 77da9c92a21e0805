// Package mysql persists the submission journal in MySQL. It applies the
// embedded schema migrations on startup and implements storage.Journal with
// plain database/sql queries over the go-sql-driver/mysql driver.
package mysql
