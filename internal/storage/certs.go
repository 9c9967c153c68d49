// Package storage — certs.go
//
// bbolt-backed archive for action certificates.
//
// Schema (bbolt bucket layout):
//
//	/certificates
//	    key:   RFC3339Nano timestamp + "_" + certificate_id  [sortable]
//	    value: JSON-encoded Record {document (base64 of the exact signed bytes), signature}
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers). All writes use ACID transactions.
//   - Lexicographic key order = chronological order, so range scans
//     hand the evidence collaborator certificates in emission order.
//
// Failure modes:
//   - File corruption: bbolt detects on Open() and the process refuses
//     to start. Recovery: restore from backup.
//   - Disk full: Put returns an error; the actuation result stands and
//     the caller logs the loss.

package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current archive schema version.
	SchemaVersion = "1"

	bucketCertificates = "certificates"
	bucketMeta         = "meta"
)

// Record is the persisted form of one certificate.
type Record struct {
	// CertificateID matches the document's certificate_id.
	CertificateID string `json:"certificate_id"`

	// Document is the exact signed JSON bytes. Stored as an opaque byte
	// string so the archive does not re-format (compact) the document.
	Document []byte `json:"document"`

	// Signature is the hex HMAC over Document; empty when unsigned.
	Signature string `json:"signature,omitempty"`

	// StoredAt is the archive insertion time.
	StoredAt time.Time `json:"stored_at"`
}

// CertStore wraps a bbolt instance with typed certificate accessors.
type CertStore struct {
	db *bolt.DB
}

// OpenCerts opens (or creates) the archive at path, initialises the
// buckets, and verifies the schema version.
func OpenCerts(path string) (*CertStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: bolt.Open(%q): %w", path, err)
	}

	s := &CertStore{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCertificates, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: archive initialisation: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// checkSchemaVersion validates the stored schema version.
func (s *CertStore) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"storage: schema version mismatch: archive has %q, process requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (s *CertStore) Close() error {
	return s.db.Close()
}

// certKey builds a sortable key: fixed-width nanosecond timestamp then id.
func certKey(t time.Time, certID string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "_" + certID)
}

// Put archives one certificate document with its signature.
func (s *CertStore) Put(certID string, document []byte, signature string) error {
	rec := Record{
		CertificateID: certID,
		Document:      document,
		Signature:     signature,
		StoredAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal certificate %s: %w", certID, err)
	}
	key := certKey(rec.StoredAt, certID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCertificates)).Put(key, data)
	})
}

// Get fetches a certificate record by id. Returns (nil, nil) when
// absent — an absent certificate is a caller condition, not an error.
func (s *CertStore) Get(certID string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCertificates)).ForEach(func(k, v []byte) error {
			if rec != nil {
				return nil
			}
			if strings.HasSuffix(string(k), "_"+certID) {
				var r Record
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				rec = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get certificate %s: %w", certID, err)
	}
	return rec, nil
}

// List returns all records in chronological order. Operational use
// (evidence export, CLI inspection), not the hot path.
func (s *CertStore) List() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCertificates)).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			recs = append(recs, r)
			return nil
		})
	})
	return recs, err
}
