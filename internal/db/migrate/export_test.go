package migrate

import "example.com/healthsync/internal/db"

func dbEntries() ([]string, error) {
	entries, err := db.MigrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
