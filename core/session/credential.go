package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

// Credential is a bearer token and the user record cached alongside it.
// An empty Token or a nil CachedUser means absent.
type Credential struct {
	Token      string     `json:"token,omitempty"`
	CachedUser *user.User `json:"user,omitempty"`
}

func (c Credential) IsEmpty() bool {
	return c.Token == "" && c.CachedUser == nil
}

// Tier is one durability scope of the credential store.
type Tier interface {
	Load() (Credential, error)
	Save(cred Credential) error
	Clear() error
}

// Store merges two independent tiers: a persistent one (survives restarts) and a session-scoped one.
// Every read/write of credentials goes through a Store.
type Store struct {
	mu         sync.Mutex
	persistent Tier
	session    Tier
	logger     core.Logger

	lmu       sync.Mutex
	listeners map[int]func(Credential)
	nextID    int
}

func NewStore(persistent, session Tier, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Store{
		persistent: persistent,
		session:    session,
		logger:     logger,
		listeners:  make(map[int]func(Credential)),
	}
}

// Read returns the merged credential: each field comes from the session tier, or from the persistent tier
// when the session tier does not have it. A tier which cannot be loaded counts as empty.
func (s *Store) Read() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() Credential {
	cred := s.load(s.session, "session")
	pers := s.load(s.persistent, "persistent")
	if cred.Token == "" {
		cred.Token = pers.Token
	}
	if cred.CachedUser == nil {
		cred.CachedUser = pers.CachedUser
	}
	return cred
}

func (s *Store) load(t Tier, name string) Credential {
	cred, err := t.Load()
	if err != nil {
		s.logger.Warn("loading "+name+" credential", err)
		return Credential{}
	}
	return cred
}

// Write saves the credential to the persistent or the session tier, and empties the other one
// so that an older credential cannot shadow the new one.
func (s *Store) Write(token string, usr *user.User, persistent bool) error {
	target, other := s.session, s.persistent
	if persistent {
		target, other = s.persistent, s.session
	}

	s.mu.Lock()
	if err := target.Save(Credential{Token: token, CachedUser: copyUser(usr)}); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "saving credential")
	}
	if err := other.Clear(); err != nil {
		s.logger.Warn("clearing shadowed credential", err)
	}
	cred := s.read()
	s.mu.Unlock()

	s.notify(cred)
	return nil
}

// Replace atomically swaps the credential of both tiers. When a tier cannot be written,
// both tiers are emptied so that no half-replaced credential can be read.
func (s *Store) Replace(token string, usr *user.User) error {
	cred := Credential{Token: token, CachedUser: copyUser(usr)}

	s.mu.Lock()
	for _, t := range []Tier{s.persistent, s.session} {
		if err := t.Save(cred); err != nil {
			s.clear()
			s.mu.Unlock()
			s.notify(Credential{})
			return errors.Wrap(err, "replacing credential")
		}
	}
	s.mu.Unlock()

	s.notify(cred)
	return nil
}

// Clear empties both tiers.
func (s *Store) Clear() {
	s.mu.Lock()
	s.clear()
	s.mu.Unlock()
	s.notify(Credential{})
}

func (s *Store) clear() {
	if err := s.persistent.Clear(); err != nil {
		s.logger.Error("clearing persistent credential", err)
	}
	if err := s.session.Clear(); err != nil {
		s.logger.Error("clearing session credential", err)
	}
}

// Subscribe registers fn to be called with the merged credential after every change made through the Store.
// The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Credential)) (cancel func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(cred Credential) {
	s.lmu.Lock()
	fns := make([]func(Credential), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(cred)
	}
}

func copyUser(usr *user.User) *user.User {
	if usr == nil {
		return nil
	}
	cp := *usr
	return &cp
}
