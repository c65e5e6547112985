package model

import (
	"fmt"
	"time"
)

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Participant struct {
	UserID   string    `bson:"user_id" json:"userId"`
	Role     Role      `bson:"role" json:"role"`
	JoinedAt time.Time `bson:"joined_at" json:"joinedAt"`
}

// Conversation 会话：参与者集合无序；seq 计数器由 Sequencer 独占，不在此存储
type Conversation struct {
	ID           string           `bson:"_id" json:"id"`
	Type         ConversationType `bson:"type" json:"type"`
	Participants []Participant    `bson:"participants" json:"participants"`
	CreatedAt    time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time        `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) GetTableName() string {
	return "conversation"
}

// Validate enforces the structural invariants: a known type, no duplicate
// participants, and exactly two participants for a private conversation.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("conversation id is empty")
	}
	switch c.Type {
	case ConversationPrivate, ConversationGroup:
	default:
		return fmt.Errorf("conversation %s: unknown type %q", c.ID, c.Type)
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID == "" {
			return fmt.Errorf("conversation %s: empty participant", c.ID)
		}
		if _, dup := seen[p.UserID]; dup {
			return fmt.Errorf("conversation %s: duplicate participant %s", c.ID, p.UserID)
		}
		seen[p.UserID] = struct{}{}
	}
	if c.Type == ConversationPrivate && len(c.Participants) != 2 {
		return fmt.Errorf("conversation %s: private conversation needs exactly 2 participants, got %d", c.ID, len(c.Participants))
	}
	return nil
}

func (c *Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// PrivateConversationID 单聊的统一会话ID：p2p:min_max
func PrivateConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "p2p:" + a + "_" + b
}
