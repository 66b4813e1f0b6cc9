// Package store implements the typed document store spec §4.2 requires,
// generalizing the teacher's internal/pkg/defaultdb single-collection buntdb
// engine (indexed via github.com/tidwall/gjson) into the two named
// collections, "key" and "userid", with the six named operations.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openkeysrv/keyserver/internal/pkg/domain"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"
)

// Kind names one of the two logical collections.
type Kind string

const (
	KindKey    Kind = "key"
	KindUserID Kind = "userid"
)

// ErrDuplicate is returned by Insert/BatchInsert on a natural-key conflict.
var ErrDuplicate = errors.New("duplicate key")

// Query is an equality-predicate map; every key/value pair must match a
// document's corresponding JSON field for that document to be selected.
type Query map[string]interface{}

const sep = ":"

func prefix(k Kind) string { return string(k) + sep }

// storageKey returns the buntdb key a natural key is stored under.
func storageKey(k Kind, naturalKey string) string { return prefix(k) + naturalKey }

// Config is the store's on-disk configuration (spec §6 "mongo.uri" role,
// filled by buntdb's directory parameter).
type Config struct {
	Dir string `yaml:"dir"`
}

// Store is the generic document store the key lifecycle engine is built on.
type Store struct {
	db  *buntdb.DB
	cfg Config
}

// indexed field names per kind, used to pick a fast-path secondary index.
var indexedFields = map[Kind][]string{
	KindKey:    {"fingerprint"},
	KindUserID: {"keyId", "email", "nonce", "verified"},
}

func indexName(k Kind, field string) string { return string(k) + sep + field }

// New opens (or creates) the store at cfg.Dir, or an in-memory store when
// Dir is empty, and creates the secondary indexes every query needs.
func New(cfg Config) (*Store, error) {
	var db *buntdb.DB
	var err error

	if cfg.Dir == "" {
		db, err = buntdb.Open(":memory:")
	} else {
		db, err = buntdb.Open(filepath.Join(cfg.Dir, "db"))
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, cfg: cfg}

	existing, err := db.Indexes()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, idx := range existing {
		have[idx] = true
	}

	for kind, fields := range indexedFields {
		for _, field := range fields {
			name := indexName(kind, field)
			if have[name] {
				continue
			}
			if err := db.CreateIndex(name, prefix(kind)+"*", buntdb.IndexJSON(field)); err != nil {
				return nil, fmt.Errorf("could not create index %s: %w", name, err)
			}
		}
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores doc under naturalKey within kind, failing ErrDuplicate if a
// document already occupies that natural key. Check-then-set happens inside
// a single buntdb transaction, giving the uniqueness guarantee spec §5
// requires for concurrent submits of the same key id.
func (s *Store) Insert(kind Kind, naturalKey string, doc interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	key := storageKey(kind, naturalKey)

	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return ErrDuplicate
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(key, string(b), nil)
		return err
	})
}

// BatchInsert stores every (naturalKey, doc) pair within kind inside a
// single transaction: either every document is persisted or none are,
// which trivially satisfies the "all-or-nothing by count" requirement of
// spec §4.2 (a plain per-document loop could only approximate it).
func (s *Store) BatchInsert(kind Kind, docs map[string]interface{}) error {
	marshaled := make(map[string]string, len(docs))
	for naturalKey, doc := range docs {
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		marshaled[naturalKey] = string(b)
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		for naturalKey, val := range marshaled {
			key := storageKey(kind, naturalKey)
			if _, err := tx.Get(key); err == nil {
				return ErrDuplicate
			} else if err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set(key, val, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the raw JSON of the first document matching query within
// kind, or ok=false if none matches.
func (s *Store) Get(kind Kind, query Query) (string, bool, error) {
	var found string
	var ok bool

	err := s.db.View(func(tx *buntdb.Tx) error {
		return s.ascend(tx, kind, query, func(_, val string) bool {
			found, ok = val, true
			return false
		})
	})
	return found, ok, err
}

// List returns the raw JSON of every document matching query within kind.
func (s *Store) List(kind Kind, query Query) ([]string, error) {
	var docs []string

	err := s.db.View(func(tx *buntdb.Tx) error {
		return s.ascend(tx, kind, query, func(_, val string) bool {
			docs = append(docs, val)
			return true
		})
	})
	return docs, err
}

// ErrNotFound is returned by Update and VerifyUserID when nothing matches.
var ErrNotFound = errors.New("not found")

// Update applies patch to the first document matching selector within kind,
// failing NotFound (a plain error, not apierr, to keep this package
// apierr-agnostic) if nothing matches. The read-modify-write happens inside
// a single transaction.
func (s *Store) Update(kind Kind, selector Query, patch map[string]interface{}) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var targetKey, targetVal string
		if err := s.ascend(tx, kind, selector, func(key, val string) bool {
			targetKey, targetVal = key, val
			return false
		}); err != nil {
			return err
		}
		if targetKey == "" {
			return ErrNotFound
		}

		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(targetVal), &doc); err != nil {
			return err
		}
		for k, v := range patch {
			doc[k] = v
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(targetKey, string(b), nil)
		return err
	})
}

// Remove deletes every document matching query within kind. Removing zero
// documents is not an error (idempotent per spec §4.2).
func (s *Store) Remove(kind Kind, query Query) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := s.ascend(tx, kind, query, func(key, _ string) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// VerifyUserID implements the linearizable state transition spec §4.4/§5
// requires for invariant I3: locate the userid binding by (keyId, nonce);
// if found, clear any other currently-verified binding sharing its email,
// then mark this one verified with its nonce cleared — all inside one
// buntdb transaction, so no concurrent verify can observe a half-applied
// state. This is the compare-and-set loop called out in spec §9's Open
// Question, expressed instead as a single atomic store update, which
// buntdb's per-transaction serialization makes equivalent.
func (s *Store) VerifyUserID(keyID, nonce string) (domain.UserIdBinding, error) {
	// No binding ever holds an empty nonce, and an already-verified binding
	// has no "nonce" field at all; an empty nonce is rejected up front so it
	// can never address one.
	if nonce == "" {
		return domain.UserIdBinding{}, ErrNotFound
	}

	var result domain.UserIdBinding

	err := s.db.Update(func(tx *buntdb.Tx) error {
		var targetKey string
		var binding domain.UserIdBinding

		err := tx.AscendEqual(indexName(KindUserID, "nonce"), indexPivot("nonce", nonce), func(key, val string) bool {
			if gjson.Get(val, "keyId").String() != keyID {
				return true
			}
			if err := json.Unmarshal([]byte(val), &binding); err != nil {
				return true
			}
			targetKey = key
			return false
		})
		if err != nil {
			return err
		}
		if targetKey == "" {
			return ErrNotFound
		}

		var clearKeys, clearVals []string
		err = tx.AscendEqual(indexName(KindUserID, "email"), indexPivot("email", binding.Email), func(key, val string) bool {
			if key == targetKey || !gjson.Get(val, "verified").Bool() {
				return true
			}
			var prev domain.UserIdBinding
			if err := json.Unmarshal([]byte(val), &prev); err != nil {
				return true
			}
			prev.Verified = false
			if b, merr := json.Marshal(prev); merr == nil {
				clearKeys = append(clearKeys, key)
				clearVals = append(clearVals, string(b))
			}
			return true
		})
		if err != nil {
			return err
		}
		// buntdb refuses writes while an iteration is open, so the previous
		// winners are rewritten once the walk is done.
		for i, key := range clearKeys {
			if _, _, err := tx.Set(key, clearVals[i], nil); err != nil {
				return err
			}
		}

		binding.Verified = true
		binding.Nonce = ""
		b, err := json.Marshal(binding)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(targetKey, string(b), nil); err != nil {
			return err
		}
		result = binding
		return nil
	})

	return result, err
}

// ascend walks candidate documents within kind, preferring a secondary
// index on one query field over a full-collection scan, and filters the
// remaining predicates with gjson — the same two-step shape as the
// teacher's defaultdb.Get (best index, then gjson.GetMany filter).
func (s *Store) ascend(tx *buntdb.Tx, kind Kind, query Query, fn func(key, val string) bool) error {
	field, pivot, ok := pickIndex(kind, query)

	iter := func(key, val string) bool {
		if matches(val, query) {
			return fn(key, val)
		}
		return true
	}

	if ok {
		return tx.AscendEqual(indexName(kind, field), pivot, iter)
	}
	return tx.Ascend("", func(key, val string) bool {
		if !strings.HasPrefix(key, prefix(kind)) {
			return true
		}
		return iter(key, val)
	})
}

func pickIndex(kind Kind, query Query) (field string, pivot string, ok bool) {
	for _, f := range indexedFields[kind] {
		if v, present := query[f]; present {
			return f, indexPivot(f, v), true
		}
	}
	return "", "", false
}

// indexPivot wraps v in a one-field JSON document: buntdb compares an
// AscendEqual pivot through the index's own less function, which for an
// IndexJSON index reads the field out of a JSON document.
func indexPivot(field string, v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{field: v})
	return string(b)
}

func pivotString(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func matches(doc string, query Query) bool {
	if len(query) == 0 {
		return true
	}
	paths := make([]string, 0, len(query))
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
		paths = append(paths, k)
	}
	results := gjson.GetMany(doc, paths...)
	for i, k := range keys {
		if !valueEquals(results[i], query[k]) {
			return false
		}
	}
	return true
}

func valueEquals(got gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case bool:
		if got.Type != gjson.True && got.Type != gjson.False {
			return false
		}
		return got.Bool() == w
	default:
		// A field absent from the document (e.g. an omitempty nonce cleared
		// on verify) must never match a query for it, even one for "" — an
		// absent field is not a value, and treating it as one lets a query
		// with a blank predicate match documents that never held that field.
		if !got.Exists() {
			return false
		}
		return got.String() == pivotString(want)
	}
}
