package service

import (
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/internal/log"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/storage"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// SessionService is the thin read-mostly service backing the HTTP status
// surface. The full coordinator lives in pkg/service; this one only needs
// the store.
type SessionService struct {
	store storage.Store
}

func NewSessionService(store storage.Store) *SessionService {
	return &SessionService{store: store}
}

func (s *SessionService) CreateSession(name string) (id string, err error) {
	if name == "" {
		return "", errors.New("session name cannot be empty")
	}
	if len(name) > 100 {
		return "", errors.New("session name too long (max 100 characters)")
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	sess := models.Session{
		ID:        ulid.Make().String(),
		Name:      name,
		Status:    models.ActiveSessionStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = txStore.SaveSession(sess); err != nil {
		return "", err
	}
	log.GetLogger().Infof("Created session '%s' with ID %s", name, sess.ID)
	return sess.ID, nil
}

func (s *SessionService) ListSessions() ([]models.Session, error) {
	return s.store.ListSessions()
}

// GetSession returns a session with its tasks and workers attached.
func (s *SessionService) GetSession(id string) (models.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return models.Session{}, err
	}
	if sess.Tasks, err = s.store.ListTasks(id); err != nil {
		return models.Session{}, err
	}
	if sess.Workers, err = s.store.ListWorkers(id); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}
