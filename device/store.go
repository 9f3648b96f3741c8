package device

import (
	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/state/persist"
)

type CredentialStore interface {
	Load() (Credentials, error)
	Store(Credentials) error
	Clear() error
}

// PersistStore keeps credentials in crash safe file under <root>/credentials.
type PersistStore struct {
	p persist.Persist
	c Credentials
}

func NewPersistStore(root string, log *log2.Log) (*PersistStore, error) {
	s := &PersistStore{}
	if err := s.p.Init("credentials", &s.c, root, true, log); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *PersistStore) Load() (Credentials, error) {
	err := s.p.Load()
	return s.c, errors.Trace(err)
}

func (s *PersistStore) Store(c Credentials) error {
	s.c = c
	return errors.Trace(s.p.Store())
}

func (s *PersistStore) Clear() error {
	s.c = Credentials{}
	return errors.Trace(s.p.Clear())
}
