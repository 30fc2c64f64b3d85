package auth

// Action is an operation gated by the Role Authority.
type Action string

const (
	ActionCreateListing        Action = "create_listing"
	ActionDeleteListing        Action = "delete_listing"
	ActionViewAllListings      Action = "view_all_listings"
	ActionApproveAccessRequest Action = "approve_access_request"
	ActionBypassNDA            Action = "bypass_nda"
	ActionViewAuditLog         Action = "view_audit_log"
	ActionManageRoles          Action = "manage_roles"
	ActionRotateShareToken     Action = "rotate_share_token"
)

// decisionTable lists, per action, the roles that allow it. Anything absent is denied.
// Reviewers are read-only but still bypass the NDA gate.
var decisionTable = map[Action][]Role{
	ActionCreateListing:        {RoleAdmin, RoleEditor},
	ActionDeleteListing:        {RoleAdmin},
	ActionViewAllListings:      {RoleAdmin, RoleEditor, RoleReviewer},
	ActionApproveAccessRequest: {RoleAdmin},
	ActionBypassNDA:            {RoleAdmin, RoleEditor, RoleReviewer},
	ActionViewAuditLog:         {RoleAdmin},
	ActionManageRoles:          {RoleAdmin},
	ActionRotateShareToken:     {RoleAdmin, RoleEditor},
}

// Known reports whether a is part of the enumerated action set.
func (a Action) Known() bool {
	_, ok := decisionTable[a]
	return ok
}

