// Package keystore is the durable store for all local key material:
// identity keypair, signed and one-time prekeys, per-peer session state,
// and the bookkeeping the protocol layers need (seen ephemerals, safety
// number records). Files are sealed under a passphrase-derived key and
// written atomically; access requires a live lock-gate token which is
// revalidated at every call.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"sealbox/internal/crypto"
	"sealbox/internal/domain"
	"sealbox/internal/lockgate"
)

const (
	identityFile  = "identity.enc"
	prekeysFile   = "prekeys.enc"
	sessionsFile  = "sessions.enc"
	ephemeralFile = "ephemerals.enc"
	safetyFile    = "safety.enc"
	wipedMarker   = "WIPED"

	// maxSeenEphemerals bounds the per-peer replay record.
	maxSeenEphemerals = 256
)

// storeFiles is everything WipeAll destroys.
var storeFiles = []string{identityFile, prekeysFile, sessionsFile, ephemeralFile, safetyFile}

type prekeyRecords struct {
	Rev        uint64                                          `json:"rev"`
	ActiveSPK  domain.SignedPreKeyID                           `json:"active_spk"`
	NextSPKID  domain.SignedPreKeyID                           `json:"next_spk_id"`
	NextOPKID  domain.OneTimePreKeyID                          `json:"next_opk_id"`
	Signed     map[domain.SignedPreKeyID]domain.SignedPreKey   `json:"signed"`
	OneTime    map[domain.OneTimePreKeyID]domain.OneTimePreKey `json:"one_time"`
	HasActive  bool                                            `json:"has_active"`
}

type sessionRecords struct {
	Rev      uint64                    `json:"rev"`
	Sessions map[string]domain.Session `json:"sessions"`
}

// Authorizer validates unlock tokens. Satisfied by *lockgate.Gate.
type Authorizer interface {
	Validate(lockgate.Token) error
}

// Store is the file-backed key material store for one device.
type Store struct {
	mu         sync.Mutex
	dir        string
	passphrase string
	gate       Authorizer
	token      lockgate.Token
}

// Open returns a store handle bound to an unlock token. Every operation
// revalidates the token; once the gate locks or wipes, the handle fails
// with ErrLocked or ErrWiped.
func Open(dir, passphrase string, gate Authorizer, token lockgate.Token) (*Store, error) {
	if err := gate.Validate(token); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, passphrase: passphrase, gate: gate, token: token}, nil
}

func (s *Store) authorize() error {
	if _, err := os.Stat(filepath.Join(s.dir, wipedMarker)); err == nil {
		return domain.ErrWiped
	}
	return s.gate.Validate(s.token)
}

// ---------- Identity ----------

// Provision generates and stores the long-term identity for this device.
// It fails if an identity already exists; identity keys are never
// rotated.
func (s *Store) Provision(user domain.UserID) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.Identity{}, err
	}
	if b, err := readFile(filepath.Join(s.dir, identityFile)); err != nil {
		return domain.Identity{}, err
	} else if b != nil {
		return domain.Identity{}, errors.New("identity already provisioned")
	}

	dhPriv, dhPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	sigPriv, sigPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	var regBytes [4]byte
	if _, err := rand.Read(regBytes[:]); err != nil {
		return domain.Identity{}, err
	}

	id := domain.Identity{
		User:         user,
		Device:       domain.DeviceID(uuid.NewString()),
		Registration: domain.RegistrationID(binary.BigEndian.Uint32(regBytes[:])),
		DHPub:        dhPub,
		DHPriv:       dhPriv,
		SigPub:       sigPub,
		SigPriv:      sigPriv,
	}
	if err := s.save(identityFile, id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// Identity returns the device identity, or ErrNotFound before
// provisioning.
func (s *Store) Identity() (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.Identity{}, err
	}
	var id domain.Identity
	ok, err := s.load(identityFile, &id)
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		return domain.Identity{}, fmt.Errorf("identity: %w", domain.ErrNotFound)
	}
	return id, nil
}

// ---------- Prekeys ----------

// AllocateSignedPreKeyID reserves the next signed-prekey id. Reserved
// ids are never reused, even if the key is never stored.
func (s *Store) AllocateSignedPreKeyID() (domain.SignedPreKeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return 0, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return 0, err
	}
	id := recs.NextSPKID
	recs.NextSPKID++
	return id, s.savePrekeys(recs)
}

// PutSignedPreKey stores k and optionally makes it the active key.
// Superseded keys stay until pruned so in-flight PreKey messages still
// decrypt.
func (s *Store) PutSignedPreKey(k domain.SignedPreKey, makeActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs, err := s.prekeys()
	if err != nil {
		return err
	}
	recs.Signed[k.ID] = k
	if makeActive {
		recs.ActiveSPK = k.ID
		recs.HasActive = true
	}
	return s.savePrekeys(recs)
}

// ActiveSignedPreKey returns the currently published signed prekey.
func (s *Store) ActiveSignedPreKey() (domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.SignedPreKey{}, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	if !recs.HasActive {
		return domain.SignedPreKey{}, fmt.Errorf("active signed prekey: %w", domain.ErrNotFound)
	}
	k, ok := recs.Signed[recs.ActiveSPK]
	if !ok {
		return domain.SignedPreKey{}, fmt.Errorf("active signed prekey %d: %w", recs.ActiveSPK, domain.ErrNotFound)
	}
	return k, nil
}

// SignedPreKey returns a signed prekey by id, active or superseded.
func (s *Store) SignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.SignedPreKey{}, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	k, ok := recs.Signed[id]
	if !ok {
		return domain.SignedPreKey{}, fmt.Errorf("signed prekey %d: %w", id, domain.ErrNotFound)
	}
	return k, nil
}

// PruneSignedPreKeys drops superseded signed prekeys created before
// cutoff. The active key is always kept.
func (s *Store) PruneSignedPreKeys(cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs, err := s.prekeys()
	if err != nil {
		return err
	}
	for id, k := range recs.Signed {
		if id != recs.ActiveSPK && k.CreatedAt < cutoff {
			delete(recs.Signed, id)
		}
	}
	return s.savePrekeys(recs)
}

// AllocateOneTimePreKeyIDs reserves n strictly increasing one-time
// prekey ids. Ids are never reused: a crash between allocation and
// storage only leaves a gap.
func (s *Store) AllocateOneTimePreKeyIDs(n int) ([]domain.OneTimePreKeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return nil, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return nil, err
	}
	ids := make([]domain.OneTimePreKeyID, n)
	for i := range ids {
		ids[i] = recs.NextOPKID
		recs.NextOPKID++
	}
	return ids, s.savePrekeys(recs)
}

// PutOneTimePreKeys stores freshly generated one-time prekeys.
func (s *Store) PutOneTimePreKeys(keys []domain.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs, err := s.prekeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		recs.OneTime[k.ID] = k
	}
	return s.savePrekeys(recs)
}

// OneTimePreKeys returns the remaining publishable one-time prekeys in
// id order.
func (s *Store) OneTimePreKeys() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return nil, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKeyPublic, 0, len(recs.OneTime))
	for id, k := range recs.OneTime {
		out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: k.Pub})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OneTimePreKeyCount reports how many one-time prekeys remain.
func (s *Store) OneTimePreKeyCount() (int, error) {
	keys, err := s.OneTimePreKeys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// OneTimePreKey returns a one-time prekey without consuming it, for
// derivations that must not mutate state until they are known to
// succeed.
func (s *Store) OneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.OneTimePreKey{}, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	return oneTimeByID(recs, id)
}

// ConsumeOneTimePreKey removes and returns a one-time prekey. The delete
// persists before the key is returned, so the key can never be consumed
// twice.
func (s *Store) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.OneTimePreKey{}, err
	}
	recs, err := s.prekeys()
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	k, err := oneTimeByID(recs, id)
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	delete(recs.OneTime, id)
	if err := s.savePrekeys(recs); err != nil {
		return domain.OneTimePreKey{}, err
	}
	return k, nil
}

// oneTimeByID distinguishes a missing id in a live pool (ErrNotFound)
// from an empty pool (ErrKeyExhausted); both degrade to 3-DH.
func oneTimeByID(recs *prekeyRecords, id domain.OneTimePreKeyID) (domain.OneTimePreKey, error) {
	k, ok := recs.OneTime[id]
	if !ok {
		if len(recs.OneTime) == 0 {
			return domain.OneTimePreKey{}, fmt.Errorf("one-time prekey %d: %w", id, domain.ErrKeyExhausted)
		}
		return domain.OneTimePreKey{}, fmt.Errorf("one-time prekey %d: %w", id, domain.ErrNotFound)
	}
	return k, nil
}

// ---------- Sessions ----------

func addrKey(a domain.Address) string {
	return string(a.User) + "/" + string(a.Device)
}

// Session returns the session for addr, or ErrNotFound.
func (s *Store) Session(addr domain.Address) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.Session{}, err
	}
	recs, err := s.sessions()
	if err != nil {
		return domain.Session{}, err
	}
	sess, ok := recs.Sessions[addrKey(addr)]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", addrKey(addr), domain.ErrNotFound)
	}
	return sess, nil
}

// PutSession persists sess with compare-and-swap on its version: the
// stored version must equal sess.Version, and the write commits
// sess.Version+1. A mismatch means a concurrent writer advanced the
// session first.
func (s *Store) PutSession(sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs, err := s.sessions()
	if err != nil {
		return err
	}
	key := addrKey(sess.Peer)
	if cur, ok := recs.Sessions[key]; ok && cur.Version != sess.Version {
		return fmt.Errorf("session %s at version %d, write expected %d: %w",
			key, cur.Version, sess.Version, domain.ErrVersionMismatch)
	}
	sess.Version++
	recs.Sessions[key] = sess
	recs.Rev++
	return s.save(sessionsFile, recs)
}

// DeleteSession removes the session for addr (explicit reset).
func (s *Store) DeleteSession(addr domain.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs, err := s.sessions()
	if err != nil {
		return err
	}
	delete(recs.Sessions, addrKey(addr))
	recs.Rev++
	return s.save(sessionsFile, recs)
}

// SessionsForUser lists every per-device session with the given peer.
func (s *Store) SessionsForUser(user domain.UserID) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return nil, err
	}
	recs, err := s.sessions()
	if err != nil {
		return nil, err
	}
	var out []domain.Session
	for _, sess := range recs.Sessions {
		if sess.Peer.User == user {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.Device < out[j].Peer.Device })
	return out, nil
}

// ---------- Ephemeral replay records ----------

// EphemeralSeen reports whether an X3DH ephemeral key from addr was
// already recorded, without recording it. An identical ephemeral reused
// against this device is a replayed establishment attempt.
func (s *Store) EphemeralSeen(addr domain.Address, ek domain.X25519Public) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return false, err
	}
	seen := make(map[string][]string)
	if _, err := s.load(ephemeralFile, &seen); err != nil {
		return false, err
	}
	return hasEphemeral(seen, addr, ek), nil
}

// MarkEphemeralSeen records an X3DH ephemeral key observed from addr and
// reports whether it was already seen. Callers commit the record only
// after the handshake's first message has decrypted, so a tampered
// envelope cannot poison a still-pending handshake.
func (s *Store) MarkEphemeralSeen(addr domain.Address, ek domain.X25519Public) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return false, err
	}
	seen := make(map[string][]string)
	if _, err := s.load(ephemeralFile, &seen); err != nil {
		return false, err
	}
	if hasEphemeral(seen, addr, ek) {
		return true, nil
	}
	key := addrKey(addr)
	list := append(seen[key], ephemeralDigest(ek))
	if len(list) > maxSeenEphemerals {
		list = list[len(list)-maxSeenEphemerals:]
	}
	seen[key] = list
	return false, s.save(ephemeralFile, seen)
}

func hasEphemeral(seen map[string][]string, addr domain.Address, ek domain.X25519Public) bool {
	h := ephemeralDigest(ek)
	for _, prev := range seen[addrKey(addr)] {
		if prev == h {
			return true
		}
	}
	return false
}

func ephemeralDigest(ek domain.X25519Public) string {
	sum := sha256.Sum256(ek[:])
	return hex.EncodeToString(sum[:])
}

// ---------- Safety number records ----------

// SafetyRecord returns the stored verification record for a peer user.
func (s *Store) SafetyRecord(user domain.UserID) (domain.SafetyNumber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return domain.SafetyNumber{}, false, err
	}
	recs := make(map[domain.UserID]domain.SafetyNumber)
	if _, err := s.load(safetyFile, &recs); err != nil {
		return domain.SafetyNumber{}, false, err
	}
	r, ok := recs[user]
	return r, ok, nil
}

// PutSafetyRecord stores the verification record for a peer user.
func (s *Store) PutSafetyRecord(user domain.UserID, rec domain.SafetyNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(); err != nil {
		return err
	}
	recs := make(map[domain.UserID]domain.SafetyNumber)
	if _, err := s.load(safetyFile, &recs); err != nil {
		return err
	}
	recs[user] = rec
	return s.save(safetyFile, recs)
}

// ---------- Wipe ----------

// WipeAll irreversibly deletes every key entry and marks the store
// wiped. A subsequently correct credential does not restore anything.
func (s *Store) WipeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wipeDir(s.dir)
}

// DirWiper returns a lockgate.Wiper over dir that works regardless of
// unlock state: the gate invokes it when the wipe threshold is crossed,
// which by definition happens while locked.
func DirWiper(dir string) lockgate.Wiper { return dirWiper(dir) }

type dirWiper string

func (d dirWiper) WipeAll() error { return wipeDir(string(d)) }

func wipeDir(dir string) error {
	var firstErr error
	for _, f := range storeFiles {
		if err := os.Remove(filepath.Join(dir, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := os.WriteFile(filepath.Join(dir, wipedMarker), []byte("wiped\n"), 0o600); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ---------- encrypted file plumbing ----------

func (s *Store) prekeys() (*prekeyRecords, error) {
	recs := &prekeyRecords{
		Signed:  make(map[domain.SignedPreKeyID]domain.SignedPreKey),
		OneTime: make(map[domain.OneTimePreKeyID]domain.OneTimePreKey),
	}
	if _, err := s.load(prekeysFile, recs); err != nil {
		return nil, err
	}
	if recs.Signed == nil {
		recs.Signed = make(map[domain.SignedPreKeyID]domain.SignedPreKey)
	}
	if recs.OneTime == nil {
		recs.OneTime = make(map[domain.OneTimePreKeyID]domain.OneTimePreKey)
	}
	return recs, nil
}

func (s *Store) savePrekeys(recs *prekeyRecords) error {
	recs.Rev++
	return s.save(prekeysFile, recs)
}

func (s *Store) sessions() (*sessionRecords, error) {
	recs := &sessionRecords{Sessions: make(map[string]domain.Session)}
	if _, err := s.load(sessionsFile, recs); err != nil {
		return nil, err
	}
	if recs.Sessions == nil {
		recs.Sessions = make(map[string]domain.Session)
	}
	return recs, nil
}

// load reads and opens an encrypted file into v. Missing files are not
// an error; ok reports presence.
func (s *Store) load(name string, v any) (bool, error) {
	b, err := readFile(filepath.Join(s.dir, name))
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	raw, err := openBlob(s.passphrase, b)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

// save seals v and writes it atomically.
func (s *Store) save(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := sealBlob(s.passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, name), sealed, 0o600)
}
