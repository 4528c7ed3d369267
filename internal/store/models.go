package store

import (
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/tools"
)

type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Org struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	OwnerMemberID string    `json:"ownerMemberId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Member struct {
	ID                 string    `json:"id"`
	OrgID              string    `json:"orgId"`
	AccountID          string    `json:"accountId"`
	DisplayName        string    `json:"displayName"`
	Email              string    `json:"email"`
	AccessRole         string    `json:"accessRole"`
	EmailNotifications bool      `json:"emailNotifications"`
	NotificationsMuted bool      `json:"notificationsMuted"`
	JoinedAt           time.Time `json:"joinedAt"`
}

type Invitation struct {
	ID               string     `json:"id"`
	OrgID            string     `json:"orgId"`
	Email            string     `json:"email"`
	AccessRole       string     `json:"accessRole"`
	TokenHash        string     `json:"-"`
	InvitedBy        string     `json:"invitedBy"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	AcceptedMemberID string     `json:"acceptedMemberId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type Channel struct {
	ID     string `json:"id"`
	OrgID  string `json:"orgId"`
	TeamID string `json:"teamId"`
	Name   string `json:"name"`
}

type Message struct {
	ID        string      `json:"id"`
	OrgID     string      `json:"orgId"`
	ChannelID string      `json:"channelId"`
	TeamID    string      `json:"teamId"`
	AuthorID  string      `json:"authorId"`
	Body      string      `json:"body"`
	Tool      *tools.Tool `json:"tool,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type Attachment struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	MessageID   string    `json:"messageId"`
	ObjectKey   string    `json:"objectKey"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedBy  string    `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Policy struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	TeamID     string    `json:"teamId,omitempty"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	CommitHash string    `json:"commitHash"`
	UpdatedBy  string    `json:"updatedBy"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type DecisionFilter struct {
	OrgID      string
	TeamID     string
	TargetType string
	TargetID   string
	MemberID   string
	Query      string
	Limit      int
}

// ChangeSet is a group of governance writes applied atomically together with the
// decisions that record them.
type TeamMembership struct {
	TeamID   string
	MemberID string
}

type ChangeSet struct {
	InsertTeams    []hierarchy.Team
	UpdateTeams    []hierarchy.Team
	DeleteTeamIDs  []string
	InsertChannels []Channel
	InsertRoles    []hierarchy.Role
	UpdateRoles    []hierarchy.Role
	DeleteRoleIDs  []string
	AddTeamMembers []TeamMembership
	InsertPolicies []Policy
	UpdatePolicies []Policy
	Decisions      []decision.Record
}

func (c ChangeSet) Empty() bool {
	return len(c.InsertTeams) == 0 && len(c.UpdateTeams) == 0 && len(c.DeleteTeamIDs) == 0 &&
		len(c.InsertChannels) == 0 && len(c.InsertRoles) == 0 && len(c.UpdateRoles) == 0 &&
		len(c.DeleteRoleIDs) == 0 && len(c.AddTeamMembers) == 0 && len(c.InsertPolicies) == 0 && len(c.UpdatePolicies) == 0 &&
		len(c.Decisions) == 0
}

// ToolMutation computes the next tool state for a locked message. It may return a
// ChangeSet, for example to assign an elected member to the role.
type ToolMutation func(message Message) (tools.Tool, ChangeSet, error)
