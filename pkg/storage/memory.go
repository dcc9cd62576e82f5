package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memberKey struct {
	workspaceID int64
	userID      int64
}

type memoryState struct {
	users         map[int64]User
	emails        map[string]int64
	workspaces    map[int64]Workspace
	slugs         map[string]int64
	memberships   map[memberKey]Membership
	events        map[string]BillingEvent
	audit         []AuditEntry
	nextUserID    int64
	nextWorkspace int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		users:         make(map[int64]User, len(s.users)),
		emails:        make(map[string]int64, len(s.emails)),
		workspaces:    make(map[int64]Workspace, len(s.workspaces)),
		slugs:         make(map[string]int64, len(s.slugs)),
		memberships:   make(map[memberKey]Membership, len(s.memberships)),
		events:        make(map[string]BillingEvent, len(s.events)),
		audit:         append([]AuditEntry(nil), s.audit...),
		nextUserID:    s.nextUserID,
		nextWorkspace: s.nextWorkspace,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.workspaces {
		c.workspaces[k] = v
	}
	for k, v := range s.slugs {
		c.slugs[k] = v
	}
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// MemoryDirectory is an in-process Directory. All access is serialized, so a
// unit of work observes and holds the whole directory until it finishes.
type MemoryDirectory struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

// NewMemoryDirectory creates an empty in-memory directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		state: &memoryState{
			users:       make(map[int64]User),
			emails:      make(map[string]int64),
			workspaces:  make(map[int64]Workspace),
			slugs:       make(map[string]int64),
			memberships: make(map[memberKey]Membership),
			events:      make(map[string]BillingEvent),
		},
		now: time.Now,
	}
}

// SetClock overrides the clock used for generated timestamps
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// InTx runs fn against a copy of the directory and publishes the copy only
// when fn succeeds.
func (d *MemoryDirectory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	work := d.state.clone()
	if err := fn(&memoryTx{state: work, now: d.now}); err != nil {
		return err
	}
	d.state = work
	return nil
}

// Ping always succeeds
func (d *MemoryDirectory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (d *MemoryDirectory) Close() error {
	return nil
}

func (d *MemoryDirectory) read() (*memoryState, func()) {
	d.mu.Lock()
	return d.state, d.mu.Unlock
}

func (d *MemoryDirectory) GetUser(ctx context.Context, id int64) (*User, error) {
	s, unlock := d.read()
	defer unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (d *MemoryDirectory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s, unlock := d.read()
	defer unlock()
	id, ok := s.emails[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (d *MemoryDirectory) GetWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	s, unlock := d.read()
	defer unlock()
	return s.workspace(id)
}

func (d *MemoryDirectory) GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error) {
	s, unlock := d.read()
	defer unlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return s.workspace(id)
}

func (d *MemoryDirectory) GetWorkspaceByCustomer(ctx context.Context, customerID string) (*Workspace, error) {
	s, unlock := d.read()
	defer unlock()
	return s.workspaceByCustomer(customerID)
}

func (d *MemoryDirectory) GetMembership(ctx context.Context, workspaceID, userID int64) (*Membership, error) {
	s, unlock := d.read()
	defer unlock()
	return s.membership(workspaceID, userID)
}

func (d *MemoryDirectory) ListMembershipsByUser(ctx context.Context, userID int64) ([]UserWorkspace, error) {
	s, unlock := d.read()
	defer unlock()

	var result []UserWorkspace
	for key, m := range s.memberships {
		if key.userID != userID {
			continue
		}
		result = append(result, UserWorkspace{Workspace: s.workspaces[key.workspaceID], Role: m.Role})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Workspace.ID < result[j].Workspace.ID
	})
	return result, nil
}

func (d *MemoryDirectory) ListMembershipsByWorkspace(ctx context.Context, workspaceID int64, page Page) ([]MemberDetail, int, error) {
	s, unlock := d.read()
	defer unlock()

	var all []MemberDetail
	for key, m := range s.memberships {
		if key.workspaceID != workspaceID {
			continue
		}
		u := s.users[key.userID]
		all = append(all, MemberDetail{
			UserID:    u.ID,
			Name:      u.Name,
			Email:     u.Email,
			Role:      m.Role,
			CreatedAt: m.CreatedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].UserID < all[j].UserID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return window(all, page), len(all), nil
}

func (d *MemoryDirectory) CountMembers(ctx context.Context, workspaceID int64) (int, error) {
	s, unlock := d.read()
	defer unlock()
	return s.countMembers(workspaceID), nil
}

func (d *MemoryDirectory) ResolveAccess(ctx context.Context, workspaceID, userID int64) (*AccessSnapshot, error) {
	s, unlock := d.read()
	defer unlock()

	ws, err := s.workspace(workspaceID)
	if err != nil {
		return nil, err
	}
	snap := &AccessSnapshot{Workspace: *ws}
	if m, ok := s.memberships[memberKey{workspaceID, userID}]; ok {
		snap.Membership = &m
	}
	return snap, nil
}

func (d *MemoryDirectory) HasBillingEvent(ctx context.Context, eventID string) (bool, error) {
	s, unlock := d.read()
	defer unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (d *MemoryDirectory) ListAuditEntries(ctx context.Context, workspaceID int64, page Page) ([]AuditEntry, int, error) {
	s, unlock := d.read()
	defer unlock()

	var entries []AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].WorkspaceID == workspaceID {
			entries = append(entries, s.audit[i])
		}
	}
	return window(entries, page), len(entries), nil
}

func (d *MemoryDirectory) PlatformStats(ctx context.Context, now time.Time) (*PlatformStats, error) {
	s, unlock := d.read()
	defer unlock()

	y, m, day := now.Date()
	startOfDay := time.Date(y, m, day, 0, 0, 0, 0, now.Location())

	stats := &PlatformStats{
		TotalWorkspaces: len(s.workspaces),
		TotalUsers:      len(s.users),
	}
	for _, u := range s.users {
		if !u.CreatedAt.Before(startOfDay) {
			stats.NewUsersToday++
		}
	}
	active := make(map[int64]bool)
	for key := range s.memberships {
		active[key.workspaceID] = true
	}
	stats.ActiveWorkspaces = len(active)
	return stats, nil
}

func (d *MemoryDirectory) ListWorkspacesWithOwners(ctx context.Context, page Page) ([]WorkspaceSummary, int, error) {
	s, unlock := d.read()
	defer unlock()

	all := make([]WorkspaceSummary, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		owner := s.users[ws.OwnerID]
		all = append(all, WorkspaceSummary{
			Workspace:   ws,
			OwnerEmail:  owner.Email,
			OwnerName:   owner.Name,
			MemberCount: s.countMembers(ws.ID),
		})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Workspace.ID > all[j].Workspace.ID
	})
	return window(all, page), len(all), nil
}

func (d *MemoryDirectory) ListUsersWithWorkspaceCount(ctx context.Context, page Page) ([]UserSummary, int, error) {
	s, unlock := d.read()
	defer unlock()

	counts := make(map[int64]int)
	for key := range s.memberships {
		counts[key.userID]++
	}
	all := make([]UserSummary, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, UserSummary{User: u, WorkspaceCount: counts[u.ID]})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].User.ID > all[j].User.ID
	})
	return window(all, page), len(all), nil
}

func (d *MemoryDirectory) CountWorkspacesByPlan(ctx context.Context) (map[Plan]int, error) {
	s, unlock := d.read()
	defer unlock()

	counts := map[Plan]int{PlanFree: 0, PlanPro: 0}
	for _, ws := range s.workspaces {
		counts[ws.Plan]++
	}
	return counts, nil
}

func (s *memoryState) workspace(id int64) (*Workspace, error) {
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ws, nil
}

// workspaceByCustomer returns the lowest-id match, as the SQL backend does
func (s *memoryState) workspaceByCustomer(customerID string) (*Workspace, error) {
	var found *Workspace
	for _, ws := range s.workspaces {
		if ws.BillingCustomerID == nil || *ws.BillingCustomerID != customerID {
			continue
		}
		if found == nil || ws.ID < found.ID {
			ws := ws
			found = &ws
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *memoryState) membership(workspaceID, userID int64) (*Membership, error) {
	m, ok := s.memberships[memberKey{workspaceID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *memoryState) countMembers(workspaceID int64) int {
	n := 0
	for key := range s.memberships {
		if key.workspaceID == workspaceID {
			n++
		}
	}
	return n
}

// memoryTx operates on a private copy owned by one InTx call
type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) CreateUser(ctx context.Context, user *User) error {
	email := NormalizeEmail(user.Email)
	if _, exists := t.state.emails[email]; exists {
		return &ConstraintError{Constraint: ConstraintUserEmail}
	}
	t.state.nextUserID++
	user.ID = t.state.nextUserID
	user.Email = email
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t.now()
	}
	t.state.users[user.ID] = *user
	t.state.emails[email] = user.ID
	return nil
}

func (t *memoryTx) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if _, exists := t.state.slugs[ws.Slug]; exists {
		return &ConstraintError{Constraint: ConstraintWorkspaceSlug}
	}
	if _, ok := t.state.users[ws.OwnerID]; !ok {
		return fmt.Errorf("owner %d does not exist", ws.OwnerID)
	}
	t.state.nextWorkspace++
	ws.ID = t.state.nextWorkspace
	if ws.Plan == "" {
		ws.Plan = PlanFree
	}
	now := t.now()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	t.state.workspaces[ws.ID] = *ws
	t.state.slugs[ws.Slug] = ws.ID
	return nil
}

func (t *memoryTx) UpdateWorkspaceName(ctx context.Context, id int64, name string, now time.Time) error {
	ws, ok := t.state.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	ws.Name = name
	ws.UpdatedAt = now
	t.state.workspaces[id] = ws
	return nil
}

func (t *memoryTx) LockWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	return t.state.workspace(id)
}

func (t *memoryTx) LockWorkspaceByCustomer(ctx context.Context, customerID string) (*Workspace, error) {
	return t.state.workspaceByCustomer(customerID)
}

func (t *memoryTx) SetWorkspacePlan(ctx context.Context, id int64, change PlanChange) error {
	ws, ok := t.state.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	ws.Plan = change.Plan
	if change.BillingCustomerID != nil {
		customer := *change.BillingCustomerID
		ws.BillingCustomerID = &customer
	}
	if change.UpgradedAt != nil {
		at := *change.UpgradedAt
		ws.UpgradedAt = &at
	}
	ws.UpdatedAt = change.UpdatedAt
	t.state.workspaces[id] = ws
	return nil
}

func (t *memoryTx) GetMembership(ctx context.Context, workspaceID, userID int64) (*Membership, error) {
	return t.state.membership(workspaceID, userID)
}

func (t *memoryTx) CreateMembership(ctx context.Context, m *Membership) error {
	key := memberKey{m.WorkspaceID, m.UserID}
	if _, exists := t.state.memberships[key]; exists {
		return &ConstraintError{Constraint: ConstraintMembership}
	}
	if _, ok := t.state.workspaces[m.WorkspaceID]; !ok {
		return fmt.Errorf("workspace %d does not exist", m.WorkspaceID)
	}
	if _, ok := t.state.users[m.UserID]; !ok {
		return fmt.Errorf("user %d does not exist", m.UserID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	t.state.memberships[key] = *m
	return nil
}

func (t *memoryTx) UpdateMembershipRole(ctx context.Context, workspaceID, userID int64, role Role) error {
	key := memberKey{workspaceID, userID}
	m, ok := t.state.memberships[key]
	if !ok {
		return ErrNotFound
	}
	m.Role = role
	t.state.memberships[key] = m
	return nil
}

func (t *memoryTx) DeleteMembership(ctx context.Context, workspaceID, userID int64) error {
	key := memberKey{workspaceID, userID}
	if _, ok := t.state.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(t.state.memberships, key)
	return nil
}

func (t *memoryTx) CountMembers(ctx context.Context, workspaceID int64) (int, error) {
	return t.state.countMembers(workspaceID), nil
}

func (t *memoryTx) InsertBillingEvent(ctx context.Context, event *BillingEvent) error {
	if _, exists := t.state.events[event.EventID]; exists {
		return &ConstraintError{Constraint: ConstraintBillingEvent}
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = t.now()
	}
	t.state.events[event.EventID] = *event
	return nil
}

func (t *memoryTx) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if _, ok := t.state.workspaces[entry.WorkspaceID]; !ok {
		return ErrNotFound
	}
	entry.ID = int64(len(t.state.audit)) + 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.state.audit = append(t.state.audit, *entry)
	return nil
}

func window[T any](all []T, page Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + page.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// NormalizeEmail is the canonical form emails are stored and looked up in
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
