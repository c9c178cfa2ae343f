package identity

import (
	"errors"
	"sync"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
)

var ErrUnknownUser = errors.New("unknown user")

// DefaultUsers is the mock identity set offered to the user selector.
var DefaultUsers = []model.User{
	{ID: "user-1", FirstName: "Winnie", LastName: "The Pooh", Email: "winnie@example.com"},
	{ID: "user-2", FirstName: "Donald", LastName: "Duck", Email: "donald@example.com"},
}

// Provider holds the closed set of users and the one currently acting.
// State is in memory only.
type Provider struct {
	mu      sync.RWMutex
	users   []model.User
	current model.User
}

// New panics on an empty user set; the first user starts as current.
func New(users []model.User) *Provider {
	if len(users) == 0 {
		panic("identity: empty user set")
	}
	return &Provider{
		users:   append([]model.User(nil), users...),
		current: users[0],
	}
}

func (p *Provider) Current() model.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Provider) List() []model.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.User(nil), p.users...)
}

func (p *Provider) Lookup(id string) (model.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, u := range p.users {
		if u.ID == id {
			return u, true
		}
	}
	return model.User{}, false
}

func (p *Provider) SetCurrent(u model.User) error {
	known, ok := p.Lookup(u.ID)
	if !ok || known != u {
		return ErrUnknownUser
	}

	p.mu.Lock()
	p.current = known
	p.mu.Unlock()
	return nil
}
