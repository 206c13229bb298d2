package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Match is a correspondence between keypoint I of the pair's first image and
// keypoint J of its second image, with a confidence score.
type Match struct {
	I     int
	J     int
	Score float64
}

// MatchStore is a keyed binary container of match sequences addressed by
// canonical pair key "A/B".
type MatchStore struct {
	db   *sql.DB
	path string
}

// PairKey builds the canonical store key for an ordered pair.
func PairKey(a, b string) string { return a + "/" + b }

// SplitPairKey is the inverse of PairKey.
func SplitPairKey(key string) (string, string, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed pair key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// OpenMatches opens (or creates) the match container at path.
func OpenMatches(path string) (*MatchStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &MatchStore{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MatchStore) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS matches (
        pair TEXT PRIMARY KEY,
        count INTEGER NOT NULL,
        indices BLOB NOT NULL,
        scores BLOB NOT NULL
    );`)
	return err
}

// Close closes the underlying database.
func (s *MatchStore) Close() error { return s.db.Close() }

// Path returns the on-disk location of the container.
func (s *MatchStore) Path() string { return s.path }

// Pairs returns all pairs in the container, sorted by key.
func (s *MatchStore) Pairs() ([][2]string, error) {
	rows, err := s.db.Query(`SELECT pair FROM matches ORDER BY pair`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs [][2]string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		a, b, err := SplitPairKey(key)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, rows.Err()
}

// Matches returns the match sequence for the ordered pair (a, b).
func (s *MatchStore) Matches(a, b string) ([]Match, error) {
	var count int
	var idxBlob, scoreBlob []byte
	err := s.db.QueryRow(`SELECT count, indices, scores FROM matches WHERE pair = ?`,
		PairKey(a, b)).Scan(&count, &idxBlob, &scoreBlob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no matches for pair %q", PairKey(a, b))
	}
	if err != nil {
		return nil, err
	}
	return decodeMatches(idxBlob, scoreBlob, count)
}

// SetMatches replaces the match sequence for the ordered pair (a, b).
func (s *MatchStore) SetMatches(a, b string, ms []Match) error {
	idx, scores := encodeMatches(ms)
	_, err := s.db.Exec(
		`INSERT INTO matches (pair, count, indices, scores) VALUES (?, ?, ?, ?)
         ON CONFLICT(pair) DO UPDATE SET
             count = excluded.count, indices = excluded.indices, scores = excluded.scores`,
		PairKey(a, b), len(ms), idx, scores)
	return err
}

// AppendMatches appends ms to the existing sequence for the pair, creating
// the entry if absent. The append runs in one transaction.
func (s *MatchStore) AppendMatches(a, b string, ms []Match) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	key := PairKey(a, b)
	var count int
	var idxBlob, scoreBlob []byte
	err = tx.QueryRow(`SELECT count, indices, scores FROM matches WHERE pair = ?`, key).
		Scan(&count, &idxBlob, &scoreBlob)
	var existing []Match
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		existing, err = decodeMatches(idxBlob, scoreBlob, count)
		if err != nil {
			return err
		}
	}

	combined := append(existing, ms...)
	idx, scores := encodeMatches(combined)
	if _, err := tx.Exec(
		`INSERT INTO matches (pair, count, indices, scores) VALUES (?, ?, ?, ?)
         ON CONFLICT(pair) DO UPDATE SET
             count = excluded.count, indices = excluded.indices, scores = excluded.scores`,
		key, len(combined), idx, scores); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeMatches(ms []Match) ([]byte, []byte) {
	idx := make([]byte, 8*len(ms))
	scores := make([]byte, 8*len(ms))
	for i, m := range ms {
		binary.LittleEndian.PutUint32(idx[8*i:], uint32(m.I))
		binary.LittleEndian.PutUint32(idx[8*i+4:], uint32(m.J))
		binary.LittleEndian.PutUint64(scores[8*i:], math.Float64bits(m.Score))
	}
	return idx, scores
}

func decodeMatches(idxBlob, scoreBlob []byte, count int) ([]Match, error) {
	if len(idxBlob) != 8*count || len(scoreBlob) != 8*count {
		return nil, fmt.Errorf("match blob lengths (%d,%d) do not match count %d",
			len(idxBlob), len(scoreBlob), count)
	}
	ms := make([]Match, count)
	for i := range ms {
		ms[i].I = int(binary.LittleEndian.Uint32(idxBlob[8*i:]))
		ms[i].J = int(binary.LittleEndian.Uint32(idxBlob[8*i+4:]))
		ms[i].Score = math.Float64frombits(binary.LittleEndian.Uint64(scoreBlob[8*i:]))
	}
	return ms, nil
}
