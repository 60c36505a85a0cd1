package board

import (
	"context"
	"fmt"
)

// CardSource is the part of Client the enricher needs.
type CardSource interface {
	Card(ctx context.Context, id string) (Card, error)
	Member(ctx context.Context, id string) (Member, error)
	CardCreator(ctx context.Context, cardID string) (Member, error)
}

// Enricher resolves the members associated with a moved card.
type Enricher struct {
	src CardSource
}

func NewEnricher(src CardSource) *Enricher {
	return &Enricher{src: src}
}

// Enrich fetches the card, each assigned member in order, then the card's
// creator. The creator is appended only when no assignee has the same id.
// Any failure is returned for this event alone.
func (e *Enricher) Enrich(ctx context.Context, ev MoveEvent) (EnrichedMove, error) {
	card, err := e.src.Card(ctx, ev.CardID)
	if err != nil {
		return EnrichedMove{}, fmt.Errorf("enrich %s: %w", ev.ActionID, err)
	}

	out := EnrichedMove{MoveEvent: ev, Card: card}
	if card.Name != "" {
		out.CardTitle = card.Name
	}

	seen := make(map[string]struct{}, len(card.IDMembers)+1)
	for _, id := range card.IDMembers {
		if _, dup := seen[id]; dup {
			continue
		}
		m, err := e.src.Member(ctx, id)
		if err != nil {
			return EnrichedMove{}, fmt.Errorf("enrich %s: %w", ev.ActionID, err)
		}
		seen[m.ID] = struct{}{}
		out.Members = append(out.Members, m)
	}

	creator, err := e.src.CardCreator(ctx, card.ID)
	if err != nil {
		return EnrichedMove{}, fmt.Errorf("enrich %s: %w", ev.ActionID, err)
	}
	out.Creator = &creator
	if _, dup := seen[creator.ID]; !dup {
		out.Members = append(out.Members, creator)
	}
	return out, nil
}
