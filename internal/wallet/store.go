package wallet

import (
	"encoding/json"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

const defaultDBTimeout = 60 * time.Second

var (
	settingsBucket = []byte("settings")
	pocketsBucket  = []byte("pockets")
	tasksBucket    = []byte("tasks")
	contactsBucket = []byte("contacts")

	settingsKey = []byte("identity")
)

// Store persists the identity (settings, pockets, mixer tasks, contacts) in a
// walletdb database.
type Store struct {
	db walletdb.DB
}

// OpenStore opens (creating if needed) the identity database at path.
func OpenStore(path string) (*Store, error) {
	db, err := walletdb.Create("bdb", path, true, defaultDBTimeout, false)
	if err != nil {
		db, err = walletdb.Open("bdb", path, true, defaultDBTimeout, false)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open identity store")
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBuckets() error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{settingsBucket, pocketsBucket, tasksBucket, contactsBucket} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return errors.Wrap(err, "failed to create bucket")
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSettings persists the identity settings blob.
func (s *Store) SaveSettings(settings *Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "failed to marshal settings")
	}
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(settingsBucket).Put(settingsKey, raw)
	})
}

// LoadSettings restores the settings blob; missing means defaults.
func (s *Store) LoadSettings() (*Settings, error) {
	settings := &Settings{}
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(settingsBucket).Get(settingsKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, settings)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load settings")
	}
	return settings, nil
}

// SavePockets rewrites the pocket bucket.
func (s *Store) SavePockets(pockets []*Pocket) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(pocketsBucket)
		for _, p := range pockets {
			raw, err := json.Marshal(p)
			if err != nil {
				return errors.Wrap(err, "failed to marshal pocket")
			}
			if err := bucket.Put(itob(p.Index), raw); err != nil {
				return errors.Wrap(err, "failed to store pocket")
			}
		}
		return nil
	})
}

// LoadPockets restores all pockets in index order.
func (s *Store) LoadPockets() ([]*Pocket, error) {
	var pockets []*Pocket
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(pocketsBucket).ForEach(func(_, raw []byte) error {
			p := &Pocket{}
			if err := json.Unmarshal(raw, p); err != nil {
				return err
			}
			pockets = append(pockets, p)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pockets")
	}
	return pockets, nil
}

// SaveTask upserts a task under its key.
func (s *Store) SaveTask(kind string, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task")
	}
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(tasksBucket).Put([]byte(kind+"/"+task.Key), raw)
	})
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(kind string, task *Task) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(tasksBucket).Delete([]byte(kind + "/" + task.Key))
	})
}

// LoadTasks restores the tasks of one kind in key order.
func (s *Store) LoadTasks(kind string) ([]*Task, error) {
	prefix := kind + "/"
	var tasks []*Task
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(tasksBucket).ForEach(func(key, raw []byte) error {
			if len(key) < len(prefix) || string(key[:len(prefix)]) != prefix {
				return nil
			}
			t := &Task{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tasks")
	}
	return tasks, nil
}

// SaveContacts rewrites the trusted contact set.
func (s *Store) SaveContacts(pubKeys []string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(contactsBucket)
		for _, pub := range pubKeys {
			if err := bucket.Put([]byte(pub), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadContacts restores the trusted contact set.
func (s *Store) LoadContacts() ([]string, error) {
	var pubKeys []string
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(contactsBucket).ForEach(func(key, _ []byte) error {
			pubKeys = append(pubKeys, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load contacts")
	}
	return pubKeys, nil
}

func itob(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}
