package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"

	"github.com/gowebpki/jcs"
)

// ErrApprovalPending is matched by errors returned from gated calls.
var ErrApprovalPending = errors.New("tool call awaits approval")

// PendingApproval is returned by ApprovalGate instead of executing.
type PendingApproval struct {
	Key        string
	Invocation Invocation
}

func (p *PendingApproval) Error() string {
	return "tool " + p.Invocation.Spec.Name + " awaits approval " + p.Key
}

func (p *PendingApproval) Is(target error) bool { return target == ErrApprovalPending }

// IsApprovalPending reports whether err came from the approval gate.
func IsApprovalPending(err error) bool { return errors.Is(err, ErrApprovalPending) }

// ApprovalKey is the hex SHA-256 of the canonical JSON (RFC 8785) form of
// {"tool": name, "args": args}. Equal calls map to equal keys regardless of
// map ordering or number formatting.
func ApprovalKey(tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{"tool": tool, "args": args})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Approver identifies who grants an approval.
type Approver struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// ApprovalPolicy decides who may approve a call.
type ApprovalPolicy struct {
	// ApproverRoles may approve calls that do not impersonate a user.
	ApproverRoles []string
}

// DefaultApproverRoles are used when a policy lists none.
var DefaultApproverRoles = []string{"owner", "admin"}

// Authorize reports whether a may approve a call that impersonates
// impersonate (empty for none), and a reason when not.
func (p ApprovalPolicy) Authorize(a Approver, impersonate string) (bool, string) {
	if a.ID == "" {
		return false, "approver identity is required"
	}
	if impersonate != "" {
		if a.ID == impersonate {
			return true, ""
		}
		return false, "only " + impersonate + " may approve this call"
	}
	roles := p.ApproverRoles
	if len(roles) == 0 {
		roles = DefaultApproverRoles
	}
	for _, r := range a.Roles {
		if slices.Contains(roles, r) {
			return true, ""
		}
	}
	return false, "approver lacks a role with call-approval rights"
}
