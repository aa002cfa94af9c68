// Package record defines the canonical shapes shared by the source fetcher,
// the reconciler and the mirror writer.
package record

import (
	"fmt"
	"strings"
)

// Kind identifies a family of source records. Each kind has its own mirror database.
type Kind string

const (
	KindIssues       Kind = "issues"
	KindDiscussions  Kind = "discussions"
	KindPullRequests Kind = "pull_requests"
)

// AllKinds lists every kind in run order.
var AllKinds = []Kind{KindIssues, KindDiscussions, KindPullRequests}

// ParseKind accepts the canonical names plus a few common spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issues", "issue":
		return KindIssues, nil
	case "discussions", "discussion":
		return KindDiscussions, nil
	case "pull_requests", "pull-requests", "pulls", "prs", "pr":
		return KindPullRequests, nil
	default:
		return "", fmt.Errorf("unknown record kind %q: valid kinds are issues, discussions, pull_requests", s)
	}
}

// ExternalKey is the source number of a record. Unique per kind per repository
// and never reused.
type ExternalKey int

// MirrorHandle is the opaque page identity of a mirror record.
type MirrorHandle string

// State is the open/closed lifecycle state of a source record.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// MergeOutcome describes how a pull request left the open state.
type MergeOutcome string

const (
	MergeOpen           MergeOutcome = "Open"
	MergeMerged         MergeOutcome = "Closed - Merged"
	MergeClosedUnmerged MergeOutcome = "Closed - Not Merged"
)

// Record is the kind-normalized view of one source record.
// Fields that do not apply to a kind are left at their zero value.
type Record struct {
	Kind  Kind
	Key   ExternalKey
	Title string
	State State
	URL   string
	Body  string

	// Issues
	Assignee string
	Labels   []string

	// Pull requests
	Reviewers  []string
	Merge      MergeOutcome
	MirrorLink string // page ID referenced from the PR body, if any

	// Discussions
	Category string
	Author   string
}

// OpType tags an Operation.
type OpType int

const (
	OpCreate OpType = iota
	OpUpdate
)

// String returns the lower-case name used in logs and metrics.
func (o OpType) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Operation is a single mirror mutation. Handle is empty for creates.
type Operation struct {
	Type   OpType
	Handle MirrorHandle
	Record Record
}

// Create builds a create operation.
func Create(r Record) Operation {
	return Operation{Type: OpCreate, Record: r}
}

// Update builds an update operation against an existing mirror page.
func Update(h MirrorHandle, r Record) Operation {
	return Operation{Type: OpUpdate, Handle: h, Record: r}
}

// String identifies an operation for logs, e.g. "update issues #42 -> pageA".
func (o Operation) String() string {
	if o.Type == OpUpdate {
		return fmt.Sprintf("%s %s #%d -> %s", o.Type, o.Record.Kind, o.Record.Key, o.Handle)
	}
	return fmt.Sprintf("%s %s #%d", o.Type, o.Record.Kind, o.Record.Key)
}
