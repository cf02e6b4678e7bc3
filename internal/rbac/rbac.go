// Package rbac classifies a caller against one engagement and decides which
// workroom actions that classification allows.
package rbac

type Kind string
type Action string

const (
	KindOwner  Kind = "owner"
	KindWorker Kind = "worker"
	KindAdmin  Kind = "admin"
	KindNone   Kind = "none"
)

const (
	ActionReadMeta Action = "read_meta"
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionFinalise Action = "finalise"
	ActionJoin     Action = "join"
	ActionModerate Action = "moderate"
)

// Parties identifies the two sides of an engagement.
type Parties struct {
	OwnerID  string
	WorkerID string
}

// Caller is the subset of identity the gate needs.
type Caller struct {
	ID      string
	IsAdmin bool
}

// Classify returns exactly one kind. Party membership takes precedence over
// the admin flag, so an admin who is also the owner is classified as owner.
func Classify(p Parties, c Caller) Kind {
	switch {
	case c.ID == "":
		return KindNone
	case c.ID == p.OwnerID:
		return KindOwner
	case c.ID == p.WorkerID:
		return KindWorker
	case c.IsAdmin:
		return KindAdmin
	default:
		return KindNone
	}
}

// Can reports whether kind may perform action. Admins read and moderate but
// never advance the finalisation handshake or post into a workroom.
func Can(kind Kind, action Action) bool {
	switch kind {
	case KindOwner, KindWorker:
		return action != ActionModerate
	case KindAdmin:
		return action == ActionRead || action == ActionJoin || action == ActionModerate
	default:
		return false
	}
}

// Role is the workroom-facing label: the owner is the "client".
func Role(kind Kind) string {
	switch kind {
	case KindOwner:
		return "client"
	case KindWorker:
		return "worker"
	case KindAdmin:
		return "admin"
	default:
		return ""
	}
}
