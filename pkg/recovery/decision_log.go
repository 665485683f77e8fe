package recovery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

// Outcome is the transaction manager's decision for a global transaction.
type Outcome string

const (
	OutcomeCommit   Outcome = "commit"
	OutcomeRollback Outcome = "rollback"
)

// ParseOutcome accepts "commit" or "rollback".
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeCommit, OutcomeRollback:
		return o, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// Decision is one recorded outcome.
type Decision struct {
	Xid      string    `json:"xid"`
	Outcome  Outcome   `json:"outcome"`
	Recorded time.Time `json:"recorded_at"`
}

type decisionFile struct {
	Decisions []Decision `json:"decisions"`
	Generated time.Time  `json:"generated_at"`
}

// DecisionLog keeps transaction manager outcomes for branches that may be
// found in doubt, encrypted at rest with AES-GCM.
type DecisionLog struct {
	mu        sync.Mutex
	path      string
	key       []byte
	decisions map[string]Decision
}

// NewDecisionLog returns a log stored at path. If either path or key is
// empty, nil is returned; a nil log holds no decisions.
func NewDecisionLog(path, key string) *DecisionLog {
	if path == "" || key == "" {
		return nil
	}
	derived := sha256.Sum256([]byte(key))
	return &DecisionLog{
		path:      path,
		key:       derived[:],
		decisions: make(map[string]Decision),
	}
}

// Record stores the outcome for xid and writes the log.
func (l *DecisionLog) Record(xid protocol.Xid, outcome Outcome) error {
	if l == nil {
		return errors.New("decision log not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.decisions[xid.String()] = Decision{Xid: xid.String(), Outcome: outcome, Recorded: time.Now().UTC()}
	return l.saveLocked()
}

// Lookup returns the recorded outcome for xid.
func (l *DecisionLog) Lookup(xid protocol.Xid) (Outcome, bool) {
	if l == nil {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.decisions[xid.String()]
	return d.Outcome, ok
}

// Remove drops the decision for a resolved branch.
func (l *DecisionLog) Remove(xid protocol.Xid) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.decisions[xid.String()]; !ok {
		return nil
	}
	delete(l.decisions, xid.String())
	return l.saveLocked()
}

// Decisions lists every recorded decision ordered by xid.
func (l *DecisionLog) Decisions() []Decision {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Decision, 0, len(l.decisions))
	for _, d := range l.decisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Xid < out[j].Xid })
	return out
}

// Load reads and decrypts the log. A missing file is an empty log.
func (l *DecisionLog) Load() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	content, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(string(content))
	if err != nil {
		return err
	}

	gcm, err := l.gcm()
	if err != nil {
		return err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return errors.New("invalid ciphertext")
	}

	plain, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return err
	}

	var f decisionFile
	if err := json.Unmarshal(plain, &f); err != nil {
		return err
	}

	l.decisions = make(map[string]Decision, len(f.Decisions))
	for _, d := range f.Decisions {
		l.decisions[d.Xid] = d
	}
	return nil
}

func (l *DecisionLog) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}

	f := decisionFile{Generated: time.Now().UTC()}
	for _, d := range l.decisions {
		f.Decisions = append(f.Decisions, d)
	}

	plain, err := json.Marshal(f)
	if err != nil {
		return err
	}

	gcm, err := l.gcm()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	ciphertext := gcm.Seal(nonce, nonce, plain, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	// write then rename so a crash never leaves a truncated log
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *DecisionLog) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
