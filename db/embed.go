// Package db provides embedded database migrations and seed data.
package db

import "embed"

// Migrations holds the goose SQL migrations, applied in filename order.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that holds the files.
const MigrationsDir = "migrations"

// Products is the catalog used by cmd/seed-db.
//
//go:embed seed/products.json
var Products []byte
