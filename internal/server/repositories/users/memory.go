package users

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealmetric/server/internal/common"
	"github.com/mealmetric/server/internal/server/models"
)

// MemoryRepository is an in-memory Repository used in tests and local runs
// without a database. All uniqueness checks and usage-cost adds happen under
// one mutex, which gives the same conditional-write guarantees the Postgres
// indexes provide.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	return &c
}

func (r *MemoryRepository) findByEmailLocked(email string) *models.User {
	needle := strings.ToLower(email)
	for _, u := range r.users {
		if strings.ToLower(u.Email) == needle {
			return u
		}
	}
	return nil
}

func (r *MemoryRepository) findByAppleIDLocked(appleID string) *models.User {
	if appleID == "" {
		return nil
	}
	for _, u := range r.users {
		if u.AppleID == appleID {
			return u
		}
	}
	return nil
}

func (r *MemoryRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findByEmailLocked(user.Email) != nil || r.findByAppleIDLocked(user.AppleID) != nil {
		return nil, common.ErrorConflict
	}

	stored := cloneUser(user)
	stored.ID = uuid.NewString()
	stored.Email = strings.ToLower(stored.Email)
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.users[stored.ID] = stored

	return cloneUser(stored), nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u := r.findByEmailLocked(email)
	if u == nil {
		return nil, common.ErrorNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) GetByAppleID(ctx context.Context, appleID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u := r.findByAppleIDLocked(appleID)
	if u == nil {
		return nil, common.ErrorNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.users[user.ID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	if other := r.findByEmailLocked(user.Email); other != nil && other.ID != user.ID {
		return nil, common.ErrorConflict
	}
	if other := r.findByAppleIDLocked(user.AppleID); other != nil && other.ID != user.ID {
		return nil, common.ErrorConflict
	}

	stored.Email = strings.ToLower(user.Email)
	stored.PasswordHash = user.PasswordHash
	stored.AppleID = user.AppleID
	stored.AuthProvider = user.AuthProvider
	stored.DisplayName = user.DisplayName
	stored.UpdatedAt = time.Now()

	return cloneUser(stored), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.users, id)
	return nil
}

func (r *MemoryRepository) AddUsageCost(ctx context.Context, id string, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.users[id]
	if !ok {
		return 0, common.ErrorNotFound
	}
	stored.TotalUsageCost += delta
	stored.UpdatedAt = time.Now()
	return stored.TotalUsageCost, nil
}
