package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
)

// Directory is an in-memory user and subscription directory. Its
// methods satisfy both repository.UserRepository and
// repository.SubscriptionRepository.
type Directory struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	guardians     map[string][]string // pupil id -> guardian user ids
	enrollments   map[string][]string // class id -> pupil ids
	subscriptions map[string]*model.PushSubscription

	// Err, when set, is returned by every read.
	Err error
}

var (
	_ repository.UserRepository         = (*Directory)(nil)
	_ repository.SubscriptionRepository = (*Directory)(nil)
)

func NewDirectory() *Directory {
	return &Directory{
		users:         make(map[string]*model.User),
		guardians:     make(map[string][]string),
		enrollments:   make(map[string][]string),
		subscriptions: make(map[string]*model.PushSubscription),
	}
}

func (d *Directory) AddUser(u *model.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.users[u.ID] = &cp
}

// Enroll records pupilID in classID with the given guardians.
func (d *Directory) Enroll(classID, pupilID string, guardianIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enrollments[classID] = append(d.enrollments[classID], pupilID)
	d.guardians[pupilID] = append(d.guardians[pupilID], guardianIDs...)
}

func (d *Directory) ListActive(ctx context.Context) ([]*model.User, error) {
	return d.filter(func(u *model.User) bool { return u.Active })
}

func (d *Directory) ListActiveByRole(ctx context.Context, role string) ([]*model.User, error) {
	return d.filter(func(u *model.User) bool { return u.Active && u.Role == role })
}

func (d *Directory) ListActiveGuardiansByClass(ctx context.Context, classID string) ([]*model.User, error) {
	d.mu.RLock()
	wanted := make(map[string]bool)
	for _, pupil := range d.enrollments[classID] {
		for _, g := range d.guardians[pupil] {
			wanted[g] = true
		}
	}
	d.mu.RUnlock()

	return d.filter(func(u *model.User) bool { return u.Active && wanted[u.ID] })
}

func (d *Directory) GetByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	return d.filter(func(u *model.User) bool { return wanted[u.ID] })
}

func (d *Directory) filter(keep func(*model.User) bool) ([]*model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.Err != nil {
		return nil, d.Err
	}

	var out []*model.User
	for _, u := range d.users {
		if keep(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) ListByUserIDs(ctx context.Context, userIDs []string) ([]*model.PushSubscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.Err != nil {
		return nil, d.Err
	}

	wanted := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}
	var out []*model.PushSubscription
	for _, s := range d.subscriptions {
		if wanted[s.UserID] {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *Directory) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *sub
	if cp.ID == "" {
		cp.ID = model.Fingerprint(cp.Channel, cp.Address())
	}
	d.subscriptions[cp.ID] = &cp
	return nil
}

func (d *Directory) DeleteByAddress(ctx context.Context, channel model.Channel, address string) (*model.PushSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := model.Fingerprint(channel, address)
	sub, ok := d.subscriptions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(d.subscriptions, id)
	return sub, nil
}

func (d *Directory) DeleteOwned(ctx context.Context, userID string, channel model.Channel, address string) (*model.PushSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := model.Fingerprint(channel, address)
	sub, ok := d.subscriptions[id]
	if !ok || sub.UserID != userID {
		return nil, repository.ErrNotFound
	}
	delete(d.subscriptions, id)
	return sub, nil
}
