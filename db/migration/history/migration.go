package history

import (
	"embed"
)

// FS holds the schema migrations for the upgrade history DB.
//
//go:embed *.sql
var FS embed.FS
