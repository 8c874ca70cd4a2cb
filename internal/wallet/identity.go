package wallet

import (
	"strconv"
	"strings"
	"sync"

	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

// Settings are the identity-level user preferences the mixer reads.
type Settings struct {
	// HardMixing disables the timeout fallback: announcements retry until a
	// counterparty is found, however long it takes.
	HardMixing bool `json:"hardMixing"`
}

// Identity aggregates everything persisted for one user: settings, the
// HD-pocket wallet, the mixer task queue and the trusted contact set.
type Identity struct {
	log    *logan.Entry
	store  *Store
	wallet *Wallet

	mu       sync.Mutex
	settings Settings
	tasks    []*Task
	contacts map[string]struct{}
	nextKey  int
}

// NewIdentity builds an identity around a wallet. Store may be nil for
// ephemeral identities (tests); Save is then a no-op.
func NewIdentity(log *logan.Entry, store *Store, wallet *Wallet) *Identity {
	return &Identity{
		log:      log,
		store:    store,
		wallet:   wallet,
		contacts: make(map[string]struct{}),
	}
}

// LoadIdentity restores a persisted identity.
func LoadIdentity(log *logan.Entry, store *Store, wallet *Wallet) (*Identity, error) {
	id := NewIdentity(log, store, wallet)

	settings, err := store.LoadSettings()
	if err != nil {
		return nil, err
	}
	id.settings = *settings

	pockets, err := store.LoadPockets()
	if err != nil {
		return nil, err
	}
	for _, p := range pockets {
		wallet.AddPocket(p)
	}

	tasks, err := store.LoadTasks(TaskKindMixer)
	if err != nil {
		return nil, err
	}
	id.tasks = tasks
	for _, task := range tasks {
		if n, err := strconv.Atoi(strings.TrimPrefix(task.Key, "task-")); err == nil && n >= id.nextKey {
			id.nextKey = n + 1
		}
	}

	contacts, err := store.LoadContacts()
	if err != nil {
		return nil, err
	}
	for _, pub := range contacts {
		id.contacts[pub] = struct{}{}
	}
	return id, nil
}

func (i *Identity) Wallet() *Wallet {
	return i.wallet
}

func (i *Identity) HardMixing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settings.HardMixing
}

func (i *Identity) SetHardMixing(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.settings.HardMixing = on
}

// HDPockets exposes the wallet's pockets in index order.
func (i *Identity) HDPockets() []*Pocket {
	return i.wallet.HDPockets()
}

// MixerTasks returns the mixer tasks in queue order: insertion order for tasks
// added in this run, store key order for tasks restored by LoadIdentity.
func (i *Identity) MixerTasks() []*Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Task, len(i.tasks))
	copy(out, i.tasks)
	return out
}

// PutTask appends a new task (assigning its key) or persists an update to an
// existing one.
func (i *Identity) PutTask(task *Task) error {
	i.mu.Lock()
	if task.Key == "" {
		task.Key = taskKey(i.nextKey)
		i.nextKey++
		i.tasks = append(i.tasks, task)
	}
	i.mu.Unlock()

	if i.store == nil {
		return nil
	}
	return i.store.SaveTask(TaskKindMixer, task)
}

// RemoveTask drops a task from the queue and the store.
func (i *Identity) RemoveTask(task *Task) error {
	i.mu.Lock()
	for n, t := range i.tasks {
		if t == task || t.Key == task.Key {
			i.tasks = append(i.tasks[:n], i.tasks[n+1:]...)
			break
		}
	}
	i.mu.Unlock()

	if i.store == nil {
		return nil
	}
	return i.store.DeleteTask(TaskKindMixer, task)
}

// AddContact marks a peer public key as trusted.
func (i *Identity) AddContact(pubKeyHex string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.contacts[pubKeyHex] = struct{}{}
}

// Trusted reports whether a peer public key belongs to a contact.
func (i *Identity) Trusted(pubKeyHex string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.contacts[pubKeyHex]
	return ok
}

// Save persists settings, pockets and contacts.
func (i *Identity) Save() error {
	if i.store == nil {
		return nil
	}

	i.mu.Lock()
	settings := i.settings
	contacts := make([]string, 0, len(i.contacts))
	for pub := range i.contacts {
		contacts = append(contacts, pub)
	}
	i.mu.Unlock()

	if err := i.store.SaveSettings(&settings); err != nil {
		return err
	}
	if err := i.store.SavePockets(i.wallet.HDPockets()); err != nil {
		return err
	}
	if err := i.store.SaveContacts(contacts); err != nil {
		return errors.Wrap(err, "failed to save contacts")
	}
	return nil
}

func taskKey(n int) string {
	return "task-" + strconv.Itoa(n)
}
