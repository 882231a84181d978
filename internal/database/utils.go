package database

import (
	"path"
)

const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

func dataSourceName(configPath string, name string) string {
	if configPath != "" {
		return path.Join(configPath, name) + sqlitePragmas
	}

	return name + sqlitePragmas
}
