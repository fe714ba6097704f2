package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/server/models"
)

type fakeDirectory struct {
	mu        sync.Mutex
	users     []*models.User
	failAt    int // ListPage offset that fails; -1 disables
	listCalls int
	markErr   map[string]error
}

func newFakeDirectory(n int) *fakeDirectory {
	d := &fakeDirectory{failAt: -1}
	for i := 0; i < n; i++ {
		d.users = append(d.users, &models.User{
			ID:               fmt.Sprintf("u%04d", i),
			UserName:         fmt.Sprintf("user%d", i),
			IdentityProvider: models.ProviderLegacy,
		})
	}
	return d
}

func (d *fakeDirectory) ListPage(ctx context.Context, offset, limit int) ([]*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	if offset == d.failAt {
		return nil, errors.New("directory offline")
	}
	if offset >= len(d.users) {
		return nil, nil
	}
	end := min(offset+limit, len(d.users))
	out := make([]*models.User, 0, end-offset)
	for _, u := range d.users[offset:end] {
		c := *u
		out = append(out, &c)
	}
	return out, nil
}

func (d *fakeDirectory) Count(context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.users)), nil
}

func (d *fakeDirectory) CountByProvider(context.Context) (map[string]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]int64{}
	for _, u := range d.users {
		out[u.IdentityProvider]++
	}
	return out, nil
}

func (d *fakeDirectory) SetIdentityProvider(_ context.Context, userID, provider string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.markErr[userID]; err != nil {
		return err
	}
	for _, u := range d.users {
		if u.ID == userID {
			u.IdentityProvider = provider
			return nil
		}
	}
	return common.ErrorNotFound
}

func (d *fakeDirectory) GetUserByID(_ context.Context, id string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

type fakeProvisioner struct {
	mu      sync.Mutex
	calls   []string
	errFor  map[string]error
	failFor map[string][]string
	panicOn map[string]bool
	onCall  func(userID string)
}

func (p *fakeProvisioner) ProvisionUser(_ context.Context, userID string) (ProvisionResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, userID)
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(userID)
	}
	if p.panicOn[userID] {
		panic("provisioner exploded")
	}
	if err := p.errFor[userID]; err != nil {
		return ProvisionResult{}, err
	}
	if msgs, ok := p.failFor[userID]; ok {
		return ProvisionResult{Success: false, Errors: msgs}, nil
	}
	return ProvisionResult{Success: true}, nil
}

func (p *fakeProvisioner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingSink struct {
	mu      sync.Mutex
	kinds   []string
	reports []any
	err     error
}

func (s *recordingSink) Archive(_ context.Context, kind string, report any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	s.reports = append(s.reports, report)
	return "reports/" + kind + ".json", s.err
}
