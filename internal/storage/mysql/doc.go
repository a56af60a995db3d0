// Package mysql opens the MySQL pool used by the plugin read-model and applies
// the embedded schema migrations from deploy/migrations.
package mysql
