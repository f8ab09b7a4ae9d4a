package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"wikikb/api/internal/authpw"
	"wikikb/api/internal/config"
	"wikikb/api/internal/diff"
	"wikikb/api/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It keeps
// the same transactional contract: a document mutation and its revision
// land together.
type memStore struct {
	mu          sync.Mutex
	nextUserID  int64
	nextDocID   int64
	nextRevID   int64
	clock       time.Time
	users       map[int64]store.User
	usersByMail map[string]int64
	documents   map[int64]store.Document
	revisions   map[int64][]store.Revision
	refresh     map[string]store.User
	revokedJTI  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		nextUserID:  1,
		nextDocID:   1,
		nextRevID:   1,
		clock:       time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		users:       make(map[int64]store.User),
		usersByMail: make(map[string]int64),
		documents:   make(map[int64]store.Document),
		revisions:   make(map[int64][]store.Revision),
		refresh:     make(map[string]store.User),
		revokedJTI:  make(map[string]bool),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *memStore) CreateUser(_ context.Context, user *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = m.nextUserID
	m.nextUserID++
	user.CreatedAt = m.tick()
	m.users[user.ID] = *user
	m.usersByMail[user.Email] = user.ID
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usersByMail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.users[id], nil
}

func (m *memStore) GetUserByID(_ context.Context, userID int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateDocument(_ context.Context, doc *store.Document, rev *store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.ID = m.nextDocID
	m.nextDocID++
	doc.CreatedAt = m.tick()
	doc.UpdatedAt = doc.CreatedAt
	m.documents[doc.ID] = *doc
	m.appendRevision(doc.ID, rev)
	return nil
}

func (m *memStore) UpdateDocument(_ context.Context, doc *store.Document, rev *store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.documents[doc.ID]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Title = doc.Title
	stored.Content = doc.Content
	stored.LastEditedBy = doc.LastEditedBy
	stored.UpdatedAt = m.tick()
	m.documents[doc.ID] = stored
	doc.UpdatedAt = stored.UpdatedAt
	m.appendRevision(doc.ID, rev)
	return nil
}

func (m *memStore) appendRevision(documentID int64, rev *store.Revision) {
	rev.ID = m.nextRevID
	m.nextRevID++
	rev.DocumentID = documentID
	rev.CreatedAt = m.clock
	m.revisions[documentID] = append(m.revisions[documentID], *rev)
}

func (m *memStore) SetMembers(_ context.Context, documentID int64, editors, viewers []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Editors = append([]int64(nil), editors...)
	doc.Viewers = append([]int64(nil), viewers...)
	m.documents[documentID] = doc
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, documentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.documents, documentID)
	delete(m.revisions, documentID)
	return nil
}

func (m *memStore) GetDocument(_ context.Context, documentID int64) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) ListAccessible(_ context.Context, actorID int64, isAdmin bool) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Document
	for _, doc := range m.documents {
		if !isAdmin && !accessibleTo(doc, actorID) {
			continue
		}
		doc.RevisionCount = len(m.revisions[doc.ID])
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func accessibleTo(doc store.Document, actorID int64) bool {
	if doc.OwnerID == actorID || doc.IsPublic {
		return true
	}
	for _, id := range doc.Editors {
		if id == actorID {
			return true
		}
	}
	for _, id := range doc.Viewers {
		if id == actorID {
			return true
		}
	}
	return false
}

func (m *memStore) ListRevisions(_ context.Context, documentID int64) ([]store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Revision(nil), m.revisions[documentID]...), nil
}

func (m *memStore) GetRevision(_ context.Context, revisionID int64) (store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, revs := range m.revisions {
		for _, rev := range revs {
			if rev.ID == revisionID {
				return rev, nil
			}
		}
	}
	return store.Revision{}, sql.ErrNoRows
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = user
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokedJTI[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokedJTI[jti], nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    ms,
		sessions: ms,
		accounts: authpw.NewService(ms),
	}
}

func seedUser(t *testing.T, ms *memStore, name, email, role string) store.User {
	t.Helper()
	user := store.User{Name: name, Email: email, PasswordHash: "x", Role: role}
	if err := ms.CreateUser(context.Background(), &user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestCreateDocumentInitialState(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")

	payload, err := svc.CreateDocument(context.Background(), owner, "Handbook", "line one\nline two", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	editors := payload["editors"].([]string)
	if len(editors) != 1 || editors[0] != "1" {
		t.Fatalf("expected editors to be just the owner, got %v", editors)
	}
	if len(payload["viewers"].([]string)) != 0 {
		t.Fatalf("expected empty viewers")
	}
	if payload["lastEditedBy"] != "Avery" {
		t.Fatalf("expected lastEditedBy Avery, got %v", payload["lastEditedBy"])
	}

	revisions := payload["revisions"].([]map[string]any)
	if len(revisions) != 1 {
		t.Fatalf("expected one initial revision, got %d", len(revisions))
	}
	if revisions[0]["changes"] != "Document created" {
		t.Fatalf("unexpected initial summary %v", revisions[0]["changes"])
	}
	if revisions[0]["diff"].(map[string]any)["totalLines"] != 2 {
		t.Fatalf("expected totalLines 2, got %v", revisions[0]["diff"])
	}
}

func TestSequentialUpdatesAppendRevisions(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")
	ctx := context.Background()

	if _, err := svc.CreateDocument(ctx, owner, "Notes", "a\nb", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := svc.GetDocument(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if _, err := svc.UpdateDocument(ctx, doc, "Notes", "a\nb\nc", owner); err != nil {
		t.Fatalf("first update: %v", err)
	}
	doc, _ = svc.GetDocument(ctx, 1)
	payload, err := svc.UpdateDocument(ctx, doc, "Field Notes", "x\nb\nc", owner)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	revisions := payload["revisions"].([]map[string]any)
	if len(revisions) != 3 {
		t.Fatalf("expected 3 revisions after two updates, got %d", len(revisions))
	}
	if revisions[1]["changes"] != "+1" {
		t.Fatalf("expected first update summary %q, got %v", "+1", revisions[1]["changes"])
	}
	if revisions[2]["changes"] != "Title changed, ~1" {
		t.Fatalf("expected second update summary %q, got %v", "Title changed, ~1", revisions[2]["changes"])
	}
	if revisions[1]["diff"].(map[string]any)["totalLines"] != 3 {
		t.Fatalf("unexpected first update totals %v", revisions[1]["diff"])
	}

	doc, _ = svc.GetDocument(ctx, 1)
	if doc.Title != "Field Notes" || doc.Content != "x\nb\nc" {
		t.Fatalf("document does not reflect latest update: %+v", doc)
	}
}

func TestRestoreInitialRevision(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")
	ctx := context.Background()

	if _, err := svc.CreateDocument(ctx, owner, "Original", "first draft", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, _ := svc.GetDocument(ctx, 1)

	payload, err := svc.RestoreRevision(ctx, doc, 1, owner)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	revisions := payload["revisions"].([]map[string]any)
	if len(revisions) != 2 {
		t.Fatalf("expected history length 2 after restore, got %d", len(revisions))
	}
	// The original revision is untouched.
	if revisions[0]["changes"] != "Document created" || revisions[0]["restoredFrom"] != nil {
		t.Fatalf("initial revision was mutated: %v", revisions[0])
	}
	head := revisions[1]
	if head["restoredFrom"] != "1" {
		t.Fatalf("expected restoredFrom 1, got %v", head["restoredFrom"])
	}
	changes := head["changes"].(string)
	if !strings.HasPrefix(changes, "Restored from 2025-03-") {
		t.Fatalf("unexpected restore summary %q", changes)
	}

	doc, _ = svc.GetDocument(ctx, 1)
	if doc.Title != "Original" || doc.Content != "first draft" {
		t.Fatalf("restore did not reproduce original state: %+v", doc)
	}
}

func TestRestoreCrossDocumentRevisionFails(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")
	ctx := context.Background()

	if _, err := svc.CreateDocument(ctx, owner, "One", "alpha", true); err != nil {
		t.Fatalf("create one: %v", err)
	}
	if _, err := svc.CreateDocument(ctx, owner, "Two", "beta", true); err != nil {
		t.Fatalf("create two: %v", err)
	}

	docTwo, _ := svc.GetDocument(ctx, 2)
	// Revision 1 belongs to document one.
	if _, err := svc.RestoreRevision(ctx, docTwo, 1, owner); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected not-found for cross-document restore, got %v", err)
	}

	docTwo, _ = svc.GetDocument(ctx, 2)
	if docTwo.Content != "beta" {
		t.Fatalf("failed restore must not mutate the document, content=%q", docTwo.Content)
	}
	revs, _ := ms.ListRevisions(ctx, 2)
	if len(revs) != 1 {
		t.Fatalf("failed restore must not append revisions, got %d", len(revs))
	}
}

func TestChangeSummary(t *testing.T) {
	cases := []struct {
		name         string
		titleChanged bool
		stats        diff.Stats
		want         string
	}{
		{name: "no changes", want: "Minor edits"},
		{name: "title only", titleChanged: true, want: "Title changed"},
		{name: "added only", stats: diff.Stats{Added: 3}, want: "+3"},
		{name: "all markers", titleChanged: true, stats: diff.Stats{Added: 2, Removed: 1, Modified: 4}, want: "Title changed, +2, -1, ~4"},
		{name: "removed and modified", stats: diff.Stats{Removed: 5, Modified: 2}, want: "-5, ~2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := changeSummary(tc.titleChanged, tc.stats); got != tc.want {
				t.Errorf("changeSummary = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestListAccessibleIncludesRevisionCounts(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")
	stranger := seedUser(t, ms, "Robin", "robin@example.com", "viewer")
	ctx := context.Background()

	if _, err := svc.CreateDocument(ctx, owner, "Private", "p", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, _ := svc.GetDocument(ctx, 1)
	if _, err := svc.UpdateDocument(ctx, doc, "Private", "p2", owner); err != nil {
		t.Fatalf("update: %v", err)
	}

	ownerList, err := svc.ListAccessibleDocuments(ctx, owner.ID, owner.Role)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ownerList["count"] != 1 {
		t.Fatalf("owner should see 1 document, got %v", ownerList["count"])
	}
	items := ownerList["documents"].([]map[string]any)
	if items[0]["revisionCount"] != 2 {
		t.Fatalf("expected revisionCount 2, got %v", items[0]["revisionCount"])
	}

	strangerList, _ := svc.ListAccessibleDocuments(ctx, stranger.ID, stranger.Role)
	if strangerList["count"] != 0 {
		t.Fatalf("stranger should see 0 documents, got %v", strangerList["count"])
	}

	adminList, _ := svc.ListAccessibleDocuments(ctx, 99, "admin")
	if adminList["count"] != 1 {
		t.Fatalf("admin should see all documents, got %v", adminList["count"])
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	session, _, err := svc.Register(ctx, authpw.RegisterRequest{
		Name: "Avery", Email: "avery@example.com", Password: "secret1", Role: "editor",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("old refresh token should be revoked after rotation")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	session, _, err := svc.Register(ctx, authpw.RegisterRequest{
		Name: "Avery", Email: "avery@example.com", Password: "secret1", Role: "editor",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err != nil {
		t.Fatalf("token should be valid before logout: %v", err)
	}

	if err := svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("access token should be rejected after logout")
	}
}

func TestRefreshUnknownTokenReturnsUnauthorized(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	_, err := svc.Refresh(context.Background(), "never-issued")
	if err == nil {
		t.Fatal("expected an error for an unknown refresh token")
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a DomainError, got %v", err)
	}
	if domainErr.Status != 401 || domainErr.Code != "UNAUTHORIZED" {
		t.Errorf("got status=%d code=%q, want 401 UNAUTHORIZED", domainErr.Status, domainErr.Code)
	}
}

func TestReplaceMembersUpdatesSets(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")
	editor := seedUser(t, ms, "Robin", "robin@example.com", "editor")
	viewer := seedUser(t, ms, "Sam", "sam@example.com", "viewer")

	if _, err := svc.CreateDocument(ctx, owner, "Handbook", "text", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := svc.GetDocument(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	payload, err := svc.ReplaceMembers(ctx, doc, []int64{editor.ID}, []int64{viewer.ID})
	if err != nil {
		t.Fatalf("replace members: %v", err)
	}

	editors := payload["editors"].([]string)
	if len(editors) != 2 || editors[0] != "1" || editors[1] != "2" {
		t.Fatalf("expected owner plus editor, got %v", editors)
	}
	viewers := payload["viewers"].([]string)
	if len(viewers) != 1 || viewers[0] != "3" {
		t.Fatalf("expected one viewer, got %v", viewers)
	}

	stored, err := svc.GetDocument(ctx, 1)
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if len(stored.Editors) != 2 || len(stored.Viewers) != 1 {
		t.Fatalf("member sets not persisted: editors=%v viewers=%v", stored.Editors, stored.Viewers)
	}
}

func TestReplaceMembersOwnerCannotBeRemoved(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")

	if _, err := svc.CreateDocument(ctx, owner, "Handbook", "text", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := svc.GetDocument(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	payload, err := svc.ReplaceMembers(ctx, doc, nil, nil)
	if err != nil {
		t.Fatalf("replace members: %v", err)
	}
	editors := payload["editors"].([]string)
	if len(editors) != 1 || editors[0] != "1" {
		t.Fatalf("owner must stay an editor, got %v", editors)
	}
}

func TestReplaceMembersRejectsUnknownUser(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	owner := seedUser(t, ms, "Avery", "avery@example.com", "editor")

	if _, err := svc.CreateDocument(ctx, owner, "Handbook", "text", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := svc.GetDocument(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	_, err = svc.ReplaceMembers(ctx, doc, []int64{99}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown user id")
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a DomainError, got %v", err)
	}
	if domainErr.Status != 400 || domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("got status=%d code=%q, want 400 VALIDATION_ERROR", domainErr.Status, domainErr.Code)
	}
}
