// Package policy holds the pure authorization predicates for documents.
// The decision functions take the already-loaded document and the acting
// user's identity and role; they never touch storage.
package policy

import "wikikb/api/internal/store"

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Normalize maps unknown role strings to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// SelfAssignable reports whether a role may be picked at registration.
// Admin accounts are provisioned out of band, never self-requested.
func SelfAssignable(role Role) bool {
	return role == RoleViewer || role == RoleEditor
}

// CanView grants admins, the owner, editor or viewer members, and
// anyone when the document is public.
func CanView(doc store.Document, actorID int64, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	if doc.OwnerID == actorID {
		return true
	}
	if containsID(doc.Editors, actorID) || containsID(doc.Viewers, actorID) {
		return true
	}
	return doc.IsPublic
}

// CanEdit grants admins, the owner, and editor members. Viewer
// membership and the public flag never grant edit.
func CanEdit(doc store.Document, actorID int64, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	if doc.OwnerID == actorID {
		return true
	}
	return containsID(doc.Editors, actorID)
}

// CanDelete grants admins and the owner only.
func CanDelete(doc store.Document, actorID int64, role Role) bool {
	if role == RoleAdmin {
		return true
	}
	return doc.OwnerID == actorID
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
