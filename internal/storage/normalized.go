package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const normalizedBackend = "lowdb"

// Keys understood by NormalizedAdapter. Every other key is a metric.
const (
	KeyUser      = "user"
	KeyGameState = "gameState"
	KeyStats     = "stats"
	KeyRanking   = "ranking"
	KeyMetric    = "metric"
)

type collection int

const (
	collectionMetrics collection = iota
	collectionUsers
	collectionGameStates
	collectionStats
	collectionRankings
)

// typedCollections maps the exact key names onto their collections. Lookups
// that miss fall through to the metrics collection in collectionFor.
var typedCollections = map[string]collection{
	KeyUser:      collectionUsers,
	KeyGameState: collectionGameStates,
	KeyStats:     collectionStats,
	KeyRanking:   collectionRankings,
}

func collectionFor(key string) collection {
	if c, ok := typedCollections[key]; ok {
		return c
	}
	return collectionMetrics
}

type userDocument struct {
	UserID    string          `json:"userId"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type metricEntry struct {
	UserID    string          `json:"userId"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

type normalizedData struct {
	Users      []userDocument `json:"users"`
	GameStates []userDocument `json:"gameStates"`
	Stats      []userDocument `json:"stats"`
	Rankings   []userDocument `json:"rankings"`
	Metrics    []metricEntry  `json:"metrics"`
}

// clone copies every collection into fresh backing arrays.
func (d normalizedData) clone() normalizedData {
	return normalizedData{
		Users:      append([]userDocument(nil), d.Users...),
		GameStates: append([]userDocument(nil), d.GameStates...),
		Stats:      append([]userDocument(nil), d.Stats...),
		Rankings:   append([]userDocument(nil), d.Rankings...),
		Metrics:    append([]metricEntry(nil), d.Metrics...),
	}
}

func (d *normalizedData) singleton(c collection) *[]userDocument {
	switch c {
	case collectionUsers:
		return &d.Users
	case collectionGameStates:
		return &d.GameStates
	case collectionStats:
		return &d.Stats
	default:
		return nil
	}
}

// NormalizedAdapter keeps game data in typed collections inside a single JSON
// database file instead of a flat key/value table.
//
//	user, gameState, stats  one record per user, replaced on save
//	ranking                 append-only list per user, Load returns every entry
//	anything else           one global metrics list, Load returns all of it
//
// Keys reports the collections that hold a record for the user.
type NormalizedAdapter struct {
	path string
	mu   sync.Mutex
	data normalizedData
}

// NewNormalizedAdapter opens (or creates) the database file at path. A missing
// or unparsable file starts out empty.
func NewNormalizedAdapter(path string) (*NormalizedAdapter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, backendError(normalizedBackend, "init", err)
	}
	n := &NormalizedAdapter{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, backendError(normalizedBackend, "init", err)
	default:
		if jsonErr := json.Unmarshal(raw, &n.data); jsonErr != nil {
			n.data = normalizedData{}
		}
	}
	return n, nil
}

func (n *NormalizedAdapter) Save(_ context.Context, userID, key string, value json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	stamp := now()
	value = normalizeValue(value)
	next := n.data.clone()
	switch c := collectionFor(key); c {
	case collectionRankings:
		next.Rankings = append(next.Rankings, userDocument{UserID: userID, Value: value, UpdatedAt: stamp})
	case collectionMetrics:
		next.Metrics = append(next.Metrics, metricEntry{UserID: userID, Key: key, Value: value, Timestamp: stamp})
	default:
		docs := next.singleton(c)
		doc := userDocument{UserID: userID, Value: value, UpdatedAt: stamp}
		if i := indexOfUser(*docs, userID); i >= 0 {
			(*docs)[i] = doc
		} else {
			*docs = append(*docs, doc)
		}
	}
	return n.commit("save", next)
}

func (n *NormalizedAdapter) Load(_ context.Context, userID, key string) (*Record, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch c := collectionFor(key); c {
	case collectionRankings:
		var values []json.RawMessage
		var latest time.Time
		for _, entry := range n.data.Rankings {
			if entry.UserID != userID {
				continue
			}
			values = append(values, entry.Value)
			if entry.UpdatedAt.After(latest) {
				latest = entry.UpdatedAt
			}
		}
		if len(values) == 0 {
			return nil, nil
		}
		return marshalRecord(values, latest)
	case collectionMetrics:
		if len(n.data.Metrics) == 0 {
			return nil, nil
		}
		return marshalRecord(n.data.Metrics, n.data.Metrics[len(n.data.Metrics)-1].Timestamp)
	default:
		docs := *n.data.singleton(c)
		i := indexOfUser(docs, userID)
		if i < 0 {
			return nil, nil
		}
		return &Record{Value: normalizeValue(docs[i].Value), UpdatedAt: docs[i].UpdatedAt}, nil
	}
}

func (n *NormalizedAdapter) Keys(_ context.Context, userID string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys := []string{}
	for key, c := range typedCollections {
		if c == collectionRankings {
			if hasRanking(n.data.Rankings, userID) {
				keys = append(keys, key)
			}
			continue
		}
		if indexOfUser(*n.data.singleton(c), userID) >= 0 {
			keys = append(keys, key)
		}
	}
	for _, entry := range n.data.Metrics {
		if entry.UserID == userID {
			keys = append(keys, KeyMetric)
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (n *NormalizedAdapter) Delete(_ context.Context, userID, key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	changed := false
	next := n.data.clone()
	switch c := collectionFor(key); c {
	case collectionRankings:
		kept := make([]userDocument, 0, len(next.Rankings))
		for _, entry := range next.Rankings {
			if entry.UserID == userID {
				changed = true
				continue
			}
			kept = append(kept, entry)
		}
		next.Rankings = kept
	case collectionMetrics:
		kept := make([]metricEntry, 0, len(next.Metrics))
		for _, entry := range next.Metrics {
			if entry.UserID == userID && (entry.Key == key || key == KeyMetric) {
				changed = true
				continue
			}
			kept = append(kept, entry)
		}
		next.Metrics = kept
	default:
		docs := next.singleton(c)
		if i := indexOfUser(*docs, userID); i >= 0 {
			*docs = append((*docs)[:i], (*docs)[i+1:]...)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return n.commit("delete", next)
}

// commit writes next to disk and only then makes it the adapter's state, so a
// failed write leaves reads unchanged.
func (n *NormalizedAdapter) commit(op string, next normalizedData) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return backendError(normalizedBackend, op, fmt.Errorf("marshal db: %w", err))
	}
	if err := writeFileAtomic(n.path, data); err != nil {
		return backendError(normalizedBackend, op, err)
	}
	n.data = next
	return nil
}

func indexOfUser(docs []userDocument, userID string) int {
	for i, doc := range docs {
		if doc.UserID == userID {
			return i
		}
	}
	return -1
}

func hasRanking(entries []userDocument, userID string) bool {
	for _, entry := range entries {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

func marshalRecord(value any, updatedAt time.Time) (*Record, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, backendError(normalizedBackend, "load", err)
	}
	return &Record{Value: raw, UpdatedAt: updatedAt}, nil
}
