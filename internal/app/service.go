package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wikikb/api/internal/auth"
	"wikikb/api/internal/authpw"
	"wikikb/api/internal/config"
	"wikikb/api/internal/diff"
	"wikikb/api/internal/store"
)

// Session is an authenticated caller: the decoded access token plus the
// user row it resolves to.
type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	UserEmail    string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	CreateDocument(ctx context.Context, doc *store.Document, rev *store.Revision) error
	UpdateDocument(ctx context.Context, doc *store.Document, rev *store.Revision) error
	SetMembers(ctx context.Context, documentID int64, editors, viewers []int64) error
	DeleteDocument(ctx context.Context, documentID int64) error
	GetDocument(ctx context.Context, documentID int64) (store.Document, error)
	ListAccessible(ctx context.Context, actorID int64, isAdmin bool) ([]store.Document, error)
	ListRevisions(ctx context.Context, documentID int64) ([]store.Revision, error)
	GetRevision(ctx context.Context, revisionID int64) (store.Revision, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. The Postgres store implements it;
// a Redis store can take its place without touching the rest.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		accounts: authpw.NewService(dataStore),
	}
}

// NewWithSessionStore wires an external refresh token store (Redis)
// while everything else stays on Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	service := New(cfg, dataStore)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Register creates an account and signs the new user in.
func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (Session, store.User, error) {
	user, err := s.accounts.Register(ctx, req)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(ctx, user)
	return session, user, err
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, store.User, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(ctx, user)
	return session, user, err
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh session is issued in its place.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, user.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := uuid.NewString() + uuid.NewString()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		UserEmail:    user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and resolves the caller.
// The role comes from the user row, not the token, so a role change
// takes effect without waiting for token expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	userID, err := claims.UserID()
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		UserEmail: user.Email,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// GetDocument loads a document with its membership sets. Authorization
// is the caller's responsibility.
func (s *Service) GetDocument(ctx context.Context, documentID int64) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

// CreateDocument builds a new document owned by the actor. The owner is
// the sole initial editor; the initial revision is stamped
// "Document created".
func (s *Service) CreateDocument(ctx context.Context, actor store.User, title, content string, isPublic bool) (map[string]any, error) {
	doc := store.Document{
		Title:        title,
		Content:      content,
		OwnerID:      actor.ID,
		OwnerName:    actor.Name,
		OwnerEmail:   actor.Email,
		Editors:      []int64{actor.ID},
		Viewers:      []int64{},
		LastEditedBy: actor.Name,
		IsPublic:     isPublic,
	}

	stats := diff.Estimate("", content)
	rev := store.Revision{
		Title:         title,
		Content:       content,
		AuthorID:      actor.ID,
		AuthorName:    actor.Name,
		AuthorEmail:   actor.Email,
		Changes:       "Document created",
		AddedLines:    stats.Added,
		RemovedLines:  stats.Removed,
		ModifiedLines: stats.Modified,
		TotalLines:    stats.TotalLines,
	}

	if err := s.store.CreateDocument(ctx, &doc, &rev); err != nil {
		return nil, err
	}
	return documentPayload(doc, []store.Revision{rev}, true), nil
}

// UpdateDocument applies a title/content edit and appends one revision.
// The diff is computed against the pre-mutation content.
func (s *Service) UpdateDocument(ctx context.Context, doc store.Document, title, content string, actor store.User) (map[string]any, error) {
	stats := diff.Estimate(doc.Content, content)
	summary := changeSummary(doc.Title != title, stats)

	rev := store.Revision{
		Title:         title,
		Content:       content,
		AuthorID:      actor.ID,
		AuthorName:    actor.Name,
		AuthorEmail:   actor.Email,
		Changes:       summary,
		AddedLines:    stats.Added,
		RemovedLines:  stats.Removed,
		ModifiedLines: stats.Modified,
		TotalLines:    stats.TotalLines,
	}

	doc.Title = title
	doc.Content = content
	doc.LastEditedBy = actor.Name

	if err := s.store.UpdateDocument(ctx, &doc, &rev); err != nil {
		return nil, err
	}

	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, revisions, true), nil
}

// RestoreRevision makes a prior revision's title and content the current
// state by appending a new head revision; history is never rewritten.
// A revision id that belongs to another document is a not-found outcome
// and leaves the document untouched.
func (s *Service) RestoreRevision(ctx context.Context, doc store.Document, revisionID int64, actor store.User) (map[string]any, error) {
	target, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if target.DocumentID != doc.ID {
		return nil, sql.ErrNoRows
	}

	stats := diff.Estimate(doc.Content, target.Content)
	restoredFrom := target.ID
	rev := store.Revision{
		Title:          target.Title,
		Content:        target.Content,
		AuthorID:       actor.ID,
		AuthorName:     actor.Name,
		AuthorEmail:    actor.Email,
		Changes:        "Restored from " + target.CreatedAt.Format("2006-01-02"),
		AddedLines:     stats.Added,
		RemovedLines:   stats.Removed,
		ModifiedLines:  stats.Modified,
		TotalLines:     stats.TotalLines,
		RestoredFromID: &restoredFrom,
	}

	doc.Title = target.Title
	doc.Content = target.Content
	doc.LastEditedBy = actor.Name

	if err := s.store.UpdateDocument(ctx, &doc, &rev); err != nil {
		return nil, err
	}

	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, revisions, true), nil
}

// ReplaceMembers swaps the document's editor and viewer sets. The
// owner is always an editor and cannot be removed. Every referenced
// user must exist.
func (s *Service) ReplaceMembers(ctx context.Context, doc store.Document, editors, viewers []int64) (map[string]any, error) {
	editorSet := dedupeIDs(append([]int64{doc.OwnerID}, editors...))
	viewerSet := dedupeIDs(viewers)

	for _, userID := range append(append([]int64{}, editorSet...), viewerSet...) {
		if userID == doc.OwnerID {
			continue
		}
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Unknown user id",
					map[string]any{"userId": strconv.FormatInt(userID, 10)})
			}
			return nil, err
		}
	}

	if err := s.store.SetMembers(ctx, doc.ID, editorSet, viewerSet); err != nil {
		return nil, err
	}
	doc.Editors = editorSet
	doc.Viewers = viewerSet
	return s.DocumentPayload(ctx, doc)
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Service) DeleteDocument(ctx context.Context, documentID int64) error {
	return s.store.DeleteDocument(ctx, documentID)
}

// ListAccessibleDocuments returns the documents the actor may view,
// newest updated first, each carrying its revision count.
func (s *Service) ListAccessibleDocuments(ctx context.Context, actorID int64, role string) (map[string]any, error) {
	documents, err := s.store.ListAccessible(ctx, actorID, role == "admin")
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		item := documentPayload(doc, nil, false)
		item["revisionCount"] = doc.RevisionCount
		items = append(items, item)
	}
	return map[string]any{
		"count":     len(items),
		"documents": items,
	}, nil
}

func (s *Service) ListRevisions(ctx context.Context, documentID int64) ([]map[string]any, error) {
	revisions, err := s.store.ListRevisions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, revisionPayload(rev))
	}
	return items, nil
}

// DocumentPayload shapes a full document response including revisions.
func (s *Service) DocumentPayload(ctx context.Context, doc store.Document) (map[string]any, error) {
	revisions, err := s.store.ListRevisions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, revisions, true), nil
}

// changeSummary builds the compact human summary for an update
// revision: a title marker plus +N/-N/~N line counts.
func changeSummary(titleChanged bool, stats diff.Stats) string {
	parts := make([]string, 0, 4)
	if titleChanged {
		parts = append(parts, "Title changed")
	}
	if stats.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d", stats.Added))
	}
	if stats.Removed > 0 {
		parts = append(parts, fmt.Sprintf("-%d", stats.Removed))
	}
	if stats.Modified > 0 {
		parts = append(parts, fmt.Sprintf("~%d", stats.Modified))
	}
	if len(parts) == 0 {
		return "Minor edits"
	}
	return strings.Join(parts, ", ")
}

func documentPayload(doc store.Document, revisions []store.Revision, includeRevisions bool) map[string]any {
	payload := map[string]any{
		"_id":          strconv.FormatInt(doc.ID, 10),
		"title":        doc.Title,
		"content":      doc.Content,
		"ownerId":      strconv.FormatInt(doc.OwnerID, 10),
		"ownerName":    doc.OwnerName,
		"ownerEmail":   doc.OwnerEmail,
		"editors":      idStrings(doc.Editors),
		"viewers":      idStrings(doc.Viewers),
		"lastEditedBy": doc.LastEditedBy,
		"isPublic":     doc.IsPublic,
		"createdAt":    doc.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":    doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if includeRevisions {
		items := make([]map[string]any, 0, len(revisions))
		for _, rev := range revisions {
			items = append(items, revisionPayload(rev))
		}
		payload["revisions"] = items
	}
	return payload
}

func revisionPayload(rev store.Revision) map[string]any {
	var restoredFrom any
	if rev.RestoredFromID != nil {
		restoredFrom = strconv.FormatInt(*rev.RestoredFromID, 10)
	}
	return map[string]any{
		"_id":         strconv.FormatInt(rev.ID, 10),
		"title":       rev.Title,
		"content":     rev.Content,
		"authorId":    strconv.FormatInt(rev.AuthorID, 10),
		"authorName":  rev.AuthorName,
		"authorEmail": rev.AuthorEmail,
		"changes":     rev.Changes,
		"diff": map[string]any{
			"added":      rev.AddedLines,
			"removed":    rev.RemovedLines,
			"modified":   rev.ModifiedLines,
			"totalLines": rev.TotalLines,
		},
		"restoredFrom": restoredFrom,
		"createdAt":    rev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":        strconv.FormatInt(user.ID, 10),
		"name":      user.Name,
		"email":     user.Email,
		"role":      user.Role,
		"createdAt": user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func idStrings(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}
