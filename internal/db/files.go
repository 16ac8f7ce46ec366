package db

import "database/sql"

// InsertFile records a published artifact.
func InsertFile(db *sql.DB, f *File) error {
	_, err := db.Exec(`INSERT INTO files(id, type, full_path) VALUES(?,?,?)`, f.ID, f.Type, f.FullPath)
	return err
}

// GetFile returns the file with the given ID, or sql.ErrNoRows.
func GetFile(db *sql.DB, id string) (*File, error) {
	var f File
	err := db.QueryRow(`SELECT id, type, full_path FROM files WHERE id=?`, id).Scan(&f.ID, &f.Type, &f.FullPath)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
