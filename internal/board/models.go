package board

import (
	"fmt"
	"time"
)

// Member is a board member as returned by /members/{id}.
type Member struct {
	ID         string `json:"id"`
	FullName   string `json:"fullName"`
	Username   string `json:"username"`
	Initials   string `json:"initials,omitempty"`
	AvatarHash string `json:"avatarHash,omitempty"`
}

// Card is the subset of /cards/{id} the relay uses.
type Card struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	IDBoard   string   `json:"idBoard"`
	IDList    string   `json:"idList"`
	IDMembers []string `json:"idMembers"`
	ShortURL  string   `json:"shortUrl,omitempty"`
}

type Board struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CardRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IDShort int    `json:"idShort,omitempty"`
}

type ActionData struct {
	Card       *CardRef `json:"card,omitempty"`
	ListBefore *ListRef `json:"listBefore,omitempty"`
	ListAfter  *ListRef `json:"listAfter,omitempty"`
	List       *ListRef `json:"list,omitempty"`
}

// Action is one entry of a board or card action feed.
type Action struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Date            time.Time  `json:"date"`
	IDMemberCreator string     `json:"idMemberCreator"`
	MemberCreator   *Member    `json:"memberCreator,omitempty"`
	Data            ActionData `json:"data"`
}

// Action types requested from the API.
const (
	TypeUpdateCard = "updateCard"
	TypeCreateCard = "createCard"
	TypeCopyCard   = "copyCard"
)

// Kind is the discriminated variant of an Action.
type Kind int

const (
	KindOther Kind = iota
	KindCardMoved
	KindCardUpdated
	KindCardCreated
)

func (k Kind) String() string {
	switch k {
	case KindCardMoved:
		return "card_moved"
	case KindCardUpdated:
		return "card_updated"
	case KindCardCreated:
		return "card_created"
	default:
		return "other"
	}
}

// Kind classifies the action. An updateCard carrying both list ends is a move.
func (a Action) Kind() Kind {
	switch a.Type {
	case TypeUpdateCard:
		if a.Data.ListBefore != nil && a.Data.ListAfter != nil {
			return KindCardMoved
		}
		return KindCardUpdated
	case TypeCreateCard, TypeCopyCard:
		return KindCardCreated
	default:
		return KindOther
	}
}

// KindSet is an explicit filter over action kinds.
type KindSet map[Kind]struct{}

func NewKindSet(kinds ...Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

func (s KindSet) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// MoveEvent is a card moving from one list to another.
type MoveEvent struct {
	ActionID   string
	At         time.Time
	CardID     string
	CardTitle  string
	ListBefore string
	ListAfter  string
	MovedBy    string
}

// Move extracts a MoveEvent. It fails with ErrSchema when the action is a
// move but lacks the fields a notification needs.
func (a Action) Move() (MoveEvent, error) {
	if a.Kind() != KindCardMoved {
		return MoveEvent{}, fmt.Errorf("action %s is %s: %w", a.ID, a.Kind(), ErrNotMove)
	}
	if a.Data.Card == nil || a.Data.Card.ID == "" {
		return MoveEvent{}, fmt.Errorf("action %s: missing data.card.id: %w", a.ID, ErrSchema)
	}
	ev := MoveEvent{
		ActionID:   a.ID,
		At:         a.Date,
		CardID:     a.Data.Card.ID,
		CardTitle:  a.Data.Card.Name,
		ListBefore: a.Data.ListBefore.Name,
		ListAfter:  a.Data.ListAfter.Name,
	}
	if a.MemberCreator != nil {
		ev.MovedBy = a.MemberCreator.FullName
	}
	return ev, nil
}

// EnrichedMove is a MoveEvent with the card's associated members resolved:
// assignees first, then the creator unless already assigned.
type EnrichedMove struct {
	MoveEvent
	Card    Card
	Creator *Member
	Members []Member
}
