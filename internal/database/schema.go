package database

import "embed"

// Schema files are embedded so migration works regardless of working
// directory or executable location.
//
//go:embed schemas/*.sql
var schemaFS embed.FS

// schemaFor returns the embedded schema for a database name, if one exists.
func schemaFor(name string) (string, bool) {
	content, err := schemaFS.ReadFile("schemas/" + name + "_schema.sql")
	if err != nil {
		return "", false
	}
	return string(content), true
}
