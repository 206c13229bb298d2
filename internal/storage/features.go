package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Keypoint is a detected 2D image location. Its position within the
// per-image sequence is its identity: match records reference keypoints by
// index, so sequences are only ever rewritten in place or appended to.
type Keypoint struct {
	X float64
	Y float64
}

// FeatureStore is a keyed binary container of keypoint sequences addressed
// by image name, with an optional global retrieval descriptor per image.
// All mutation runs inside a transaction so the on-disk file is always a
// consistent resumability checkpoint.
type FeatureStore struct {
	db   *sql.DB
	path string
}

// OpenFeatures opens (or creates) the feature container at path.
func OpenFeatures(path string) (*FeatureStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &FeatureStore{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *FeatureStore) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS features (
        name TEXT PRIMARY KEY,
        count INTEGER NOT NULL,
        keypoints BLOB NOT NULL,
        descriptor BLOB
    );`)
	return err
}

// Close closes the underlying database.
func (s *FeatureStore) Close() error { return s.db.Close() }

// Path returns the on-disk location of the container.
func (s *FeatureStore) Path() string { return s.path }

// Names returns all image names present in the container, sorted.
func (s *FeatureStore) Names() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM features ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Keypoints returns the keypoint sequence for name.
func (s *FeatureStore) Keypoints(name string) ([]Keypoint, error) {
	var count int
	var blob []byte
	err := s.db.QueryRow(`SELECT count, keypoints FROM features WHERE name = ?`, name).
		Scan(&count, &blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no keypoints for image %q", name)
	}
	if err != nil {
		return nil, err
	}
	return decodeKeypoints(blob, count)
}

// Count returns the number of keypoints stored for name, or 0 if absent.
func (s *FeatureStore) Count(name string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT count FROM features WHERE name = ?`, name).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// SetKeypoints replaces the keypoint sequence for name.
func (s *FeatureStore) SetKeypoints(name string, kps []Keypoint) error {
	_, err := s.db.Exec(
		`INSERT INTO features (name, count, keypoints) VALUES (?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET count = excluded.count, keypoints = excluded.keypoints`,
		name, len(kps), encodeKeypoints(kps))
	return err
}

// AppendKeypoints appends kps to the existing sequence for name and returns
// the length of the sequence before the append. Match records referencing
// the appended keypoints must be shifted by that base offset.
func (s *FeatureStore) AppendKeypoints(name string, kps []Keypoint) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	var blob []byte
	err = tx.QueryRow(`SELECT count, keypoints FROM features WHERE name = ?`, name).
		Scan(&count, &blob)
	switch {
	case err == sql.ErrNoRows:
		count, blob = 0, nil
	case err != nil:
		return 0, err
	}

	existing, err := decodeKeypoints(blob, count)
	if err != nil {
		return 0, err
	}
	combined := append(existing, kps...)
	_, err = tx.Exec(
		`INSERT INTO features (name, count, keypoints) VALUES (?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET count = excluded.count, keypoints = excluded.keypoints`,
		name, len(combined), encodeKeypoints(combined))
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// UpdateKeypoints rewrites the sequence for name in place through fn. The
// read-modify-write runs in one transaction.
func (s *FeatureStore) UpdateKeypoints(name string, fn func([]Keypoint)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	var blob []byte
	if err := tx.QueryRow(`SELECT count, keypoints FROM features WHERE name = ?`, name).
		Scan(&count, &blob); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("no keypoints for image %q", name)
		}
		return err
	}
	kps, err := decodeKeypoints(blob, count)
	if err != nil {
		return err
	}
	fn(kps)
	if _, err := tx.Exec(`UPDATE features SET keypoints = ? WHERE name = ?`,
		encodeKeypoints(kps), name); err != nil {
		return err
	}
	return tx.Commit()
}

// Descriptor returns the global retrieval descriptor for name, if present.
func (s *FeatureStore) Descriptor(name string) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT descriptor FROM features WHERE name = ?`, name).Scan(&blob)
	if err == sql.ErrNoRows || (err == nil && blob == nil) {
		return nil, fmt.Errorf("no descriptor for image %q", name)
	}
	if err != nil {
		return nil, err
	}
	return decodeFloats(blob), nil
}

// SetDescriptor stores a global retrieval descriptor for name.
func (s *FeatureStore) SetDescriptor(name string, d []float64) error {
	_, err := s.db.Exec(
		`INSERT INTO features (name, count, keypoints, descriptor) VALUES (?, 0, x'', ?)
         ON CONFLICT(name) DO UPDATE SET descriptor = excluded.descriptor`,
		name, encodeFloats(d))
	return err
}

func encodeKeypoints(kps []Keypoint) []byte {
	buf := make([]byte, 16*len(kps))
	for i, kp := range kps {
		binary.LittleEndian.PutUint64(buf[16*i:], math.Float64bits(kp.X))
		binary.LittleEndian.PutUint64(buf[16*i+8:], math.Float64bits(kp.Y))
	}
	return buf
}

func decodeKeypoints(blob []byte, count int) ([]Keypoint, error) {
	if len(blob) != 16*count {
		return nil, fmt.Errorf("keypoint blob length %d does not match count %d", len(blob), count)
	}
	kps := make([]Keypoint, count)
	for i := range kps {
		kps[i].X = math.Float64frombits(binary.LittleEndian.Uint64(blob[16*i:]))
		kps[i].Y = math.Float64frombits(binary.LittleEndian.Uint64(blob[16*i+8:]))
	}
	return kps, nil
}

func encodeFloats(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeFloats(blob []byte) []float64 {
	v := make([]float64, len(blob)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*i:]))
	}
	return v
}
