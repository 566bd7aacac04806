package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/authlink/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	stateDirPerm  = fs.FileMode(0o700)
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	applicationsBucket = []byte("applications")
	vanityCodesBucket  = []byte("vanity_codes")
	grantsBucket       = []byte("grants")
	oauthTokensBucket  = []byte("oauth_tokens")
)

// HashToken returns the SHA-256 hex digest of a token string. Used as
// the storage key so raw tokens are never written to disk.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// State wraps a bbolt database holding applications, vanity codes,
// grants and issued tokens.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{applicationsBucket, vanityCodesBucket, grantsBucket, oauthTokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

// forEach decodes every value in b into a T and passes it to fn.
func forEach[T any](b *bolt.Bucket, fn func(k []byte, v T) error) error {
	return b.ForEach(func(k, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}

		return fn(k, v)
	})
}

// --- Applications ---

// SaveApplication creates or replaces an application.
func (s *State) SaveApplication(_ context.Context, app models.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(applicationsBucket), app.ClientID, app)
	})
}

// GetApplication returns an application by client ID, or nil if not found.
func (s *State) GetApplication(_ context.Context, clientID string) (*models.Application, error) {
	var app *models.Application

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(applicationsBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		app = &models.Application{}

		return json.Unmarshal(v, app)
	})

	return app, err
}

// AllApplications returns every registered application.
func (s *State) AllApplications(_ context.Context) ([]models.Application, error) {
	var apps []models.Application

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(applicationsBucket), func(_ []byte, app models.Application) error {
			apps = append(apps, app)
			return nil
		})
	})

	return apps, err
}

// DeleteApplication removes an application along with its vanity code,
// grants and tokens in a single transaction.
func (s *State) DeleteApplication(_ context.Context, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(applicationsBucket).Delete([]byte(clientID)); err != nil {
			return err
		}

		err := deleteWhere(tx.Bucket(vanityCodesBucket), func(v models.VanityCode) bool {
			return v.ClientID == clientID
		})
		if err != nil {
			return err
		}

		err = deleteWhere(tx.Bucket(grantsBucket), func(g models.Grant) bool {
			return g.ClientID == clientID
		})
		if err != nil {
			return err
		}

		return deleteWhere(tx.Bucket(oauthTokensBucket), func(t models.OAuthToken) bool {
			return t.ClientID == clientID
		})
	})
}

// deleteWhere removes every entry in b matching pred. Keys are collected
// first since bbolt cursors must not be mutated during ForEach.
func deleteWhere[T any](b *bolt.Bucket, pred func(T) bool) error {
	var doomed [][]byte

	err := forEach(b, func(k []byte, v T) error {
		if pred(v) {
			doomed = append(doomed, append([]byte(nil), k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// --- Vanity codes ---

// SaveVanityCode creates or replaces a vanity code. A client owns at most
// one code, so any other code pointing at the same client is removed.
func (s *State) SaveVanityCode(_ context.Context, vc models.VanityCode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vanityCodesBucket)

		err := deleteWhere(b, func(other models.VanityCode) bool {
			return other.ClientID == vc.ClientID && other.Code != vc.Code
		})
		if err != nil {
			return err
		}

		return put(b, vc.Code, vc)
	})
}

// GetVanityCode returns a vanity code, or nil if not found.
func (s *State) GetVanityCode(_ context.Context, code string) (*models.VanityCode, error) {
	var vc *models.VanityCode

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(vanityCodesBucket).Get([]byte(code))
		if v == nil {
			return nil
		}

		vc = &models.VanityCode{}

		return json.Unmarshal(v, vc)
	})

	return vc, err
}

// AllVanityCodes returns every vanity code, enabled or not.
func (s *State) AllVanityCodes(_ context.Context) ([]models.VanityCode, error) {
	var codes []models.VanityCode

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(vanityCodesBucket), func(_ []byte, vc models.VanityCode) error {
			codes = append(codes, vc)
			return nil
		})
	})

	return codes, err
}

// DeleteVanityCode removes a vanity code.
func (s *State) DeleteVanityCode(_ context.Context, code string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vanityCodesBucket).Delete([]byte(code))
	})
}

// --- Grants ---

// SaveGrant creates or replaces a grant.
func (s *State) SaveGrant(_ context.Context, g models.Grant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(grantsBucket), g.ID, g)
	})
}

// GetGrant returns a grant by ID, or nil if not found.
func (s *State) GetGrant(_ context.Context, id string) (*models.Grant, error) {
	var g *models.Grant

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(grantsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		g = &models.Grant{}

		return json.Unmarshal(v, g)
	})

	return g, err
}

// ExtendGrant sets a grant's expiry inside one transaction, so a
// concurrent delete either wins outright or sees the extended grant.
// Returns false when the grant does not exist.
func (s *State) ExtendGrant(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var g models.Grant
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}

		g.ExpiresAt = expiresAt
		found = true

		return put(b, id, g)
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// GrantsFor returns every grant, expired or not, a user has given a
// client. Pass an empty clientID to list grants across all clients.
func (s *State) GrantsFor(_ context.Context, clientID, userID string) ([]models.Grant, error) {
	var grants []models.Grant

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx.Bucket(grantsBucket), func(_ []byte, g models.Grant) error {
			if g.UserID == userID && (clientID == "" || g.ClientID == clientID) {
				grants = append(grants, g)
			}

			return nil
		})
	})

	return grants, err
}

// DeleteGrants removes all grants a user has given a client, plus every
// token issued under them. Returns how many grants were removed.
func (s *State) DeleteGrants(_ context.Context, clientID, userID string) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids := make(map[string]bool)

		err := deleteWhere(tx.Bucket(grantsBucket), func(g models.Grant) bool {
			if g.ClientID == clientID && g.UserID == userID {
				ids[g.ID] = true
				return true
			}

			return false
		})
		if err != nil {
			return err
		}

		removed = len(ids)

		return deleteWhere(tx.Bucket(oauthTokensBucket), func(t models.OAuthToken) bool {
			return ids[t.GrantID]
		})
	})

	return removed, err
}

// --- Tokens ---

// SaveToken persists a token. TokenHash must be set; the raw token is
// never serialized.
func (s *State) SaveToken(_ context.Context, t models.OAuthToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(oauthTokensBucket), t.TokenHash, t)
	})
}

// GetToken returns a token by its hash, or nil if not found.
func (s *State) GetToken(_ context.Context, tokenHash string) (*models.OAuthToken, error) {
	var t *models.OAuthToken

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(oauthTokensBucket).Get([]byte(tokenHash))
		if v == nil {
			return nil
		}

		t = &models.OAuthToken{}

		return json.Unmarshal(v, t)
	})

	return t, err
}

// DeleteTokenPair removes every token sharing pairID.
func (s *State) DeleteTokenPair(_ context.Context, pairID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteWhere(tx.Bucket(oauthTokensBucket), func(t models.OAuthToken) bool {
			return t.PairID == pairID
		})
	})
}

// PruneExpired removes grants whose expiry has passed together with
// their tokens, and access tokens past their own expiry. Returns the
// number of grants and tokens removed.
func (s *State) PruneExpired(_ context.Context, now time.Time) (grants, tokens int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		dead := make(map[string]bool)

		err := deleteWhere(tx.Bucket(grantsBucket), func(g models.Grant) bool {
			if !g.Active(now) {
				dead[g.ID] = true
				return true
			}

			return false
		})
		if err != nil {
			return err
		}

		grants = len(dead)

		return deleteWhere(tx.Bucket(oauthTokensBucket), func(t models.OAuthToken) bool {
			if dead[t.GrantID] || t.Expired(now) {
				tokens++
				return true
			}

			return false
		})
	})

	return grants, tokens, err
}
