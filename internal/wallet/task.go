package wallet

// TaskKindMixer is the task queue consumed by the mixer.
const TaskKindMixer = "mixer"

// Task states. These mirror the session state names plus the legacy "finish"
// marker kept for stores written by older clients.
const (
	TaskStateAnnounce = "announce"
	TaskStatePaired   = "paired"
	TaskStateFinish   = "finish"
	TaskStateFinished = "finished"
)

// Task is the persisted user intent to mix. It survives restarts: on resume
// every mixer task in the announce state is re-announced from scratch; a task
// persisted in a later state is left as it is.
type Task struct {
	// Key is the storage identifier, assigned when the task is persisted.
	Key string `json:"key"`

	State string `json:"state"`

	// Tx is the hex of the prepared unmixed transaction. It doubles as the
	// fallback payload when the announce phase times out.
	Tx     string `json:"tx"`
	Total  int64  `json:"total"`
	Change int64  `json:"change,omitempty"`
	Fee    int64  `json:"fee"`

	// Timeout bounds the announce phase, in seconds.
	Timeout int64 `json:"timeout,omitempty"`

	// Start is set on the first announce; Ping on every forward progress.
	// Both are epoch seconds.
	Start int64 `json:"start,omitempty"`
	Ping  int64 `json:"ping,omitempty"`

	// PrivKeys is the sealed JSON blob of the host's input keys, decryptable
	// under the ("send", txhash) safe entry.
	PrivKeys []byte `json:"privKeys,omitempty"`

	// SessionID is the currently allocated session, if any.
	SessionID string `json:"sessionId,omitempty"`
}

// Pending reports whether the task still needs mixer attention.
func (t *Task) Pending() bool {
	return t.State != TaskStateFinished
}
