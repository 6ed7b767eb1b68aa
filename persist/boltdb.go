package persist

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDatabase is a bolt database with a header and version check.
type BoltDatabase struct {
	Metadata
	*bolt.DB
}

// updateMetadata will set the contents of the metadata bucket to be what is
// stored inside the metadata argument.
func (db *BoltDatabase) updateMetadata(tx *bolt.Tx) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte("Metadata"))
	if err != nil {
		return err
	}
	err = bucket.Put([]byte("Header"), []byte(db.Header))
	if err != nil {
		return err
	}
	err = bucket.Put([]byte("Version"), []byte(db.Version))
	if err != nil {
		return err
	}
	return nil
}

// checkMetadata confirms that the metadata in the database is correct. If
// there is no metadata, correct metadata is inserted.
func (db *BoltDatabase) checkMetadata(md Metadata) error {
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("Metadata"))
		if bucket == nil {
			return db.updateMetadata(tx)
		}
		header := bucket.Get([]byte("Header"))
		if string(header) != md.Header {
			return ErrBadHeader
		}
		version := bucket.Get([]byte("Version"))
		if string(version) != md.Version {
			return ErrBadVersion
		}
		return nil
	})
	return err
}

// OpenDatabase opens a database filename and checks its metadata.
func OpenDatabase(md Metadata, filename string) (*BoltDatabase, error) {
	// Open the database using a 3 second timeout; without the timeout the
	// open will potentially hang indefinitely on a locked file.
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	boltDB := &BoltDatabase{
		Metadata: md,
		DB:       db,
	}
	if err := boltDB.checkMetadata(md); err != nil {
		db.Close()
		return nil, err
	}
	return boltDB, nil
}
