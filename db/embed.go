package db

import "embed"

// Migrations holds the SQL files under migrations/, compiled into the binary.
//
//go:embed migrations/*.sql
var Migrations embed.FS
