package deal

import (
	"context"
	"fmt"

	"dealflow/apperr"
	"dealflow/db"
	"dealflow/outbox"
	"dealflow/timeline"
)

// PipelineService moves a deal through its stages. Stages are metadata only:
// moving one never touches agreements or escrow.
type PipelineService struct {
	pool     db.TxBeginner
	repo     Repository
	timeline TimelineWriter
	events   OutboxWriter
}

func NewPipelineService(pool db.TxBeginner, repo Repository, timeline TimelineWriter, events OutboxWriter) *PipelineService {
	if repo == nil {
		repo = NewRepository()
	}
	return &PipelineService{pool: pool, repo: repo, timeline: timeline, events: events}
}

// Move sets the deal's stage. Only the counterparty may move it; any valid
// stage is accepted, in either direction.
func (s *PipelineService) Move(ctx context.Context, dealID string, actor Actor, stage Stage) (Deal, error) {
	if actor.Role != RoleCounterparty {
		return Deal{}, apperr.Authorization("only the represented party may move the pipeline")
	}
	if stage.Order() < 0 {
		return Deal{}, apperr.Validation("unknown pipeline stage %q", stage)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Lock(ctx, tx, dealID)
	if err != nil {
		return Deal{}, Translate(err)
	}
	if err := EnsureActive(d); err != nil {
		return Deal{}, err
	}
	if d.PipelineStage == stage {
		return d, nil
	}
	from := d.PipelineStage
	if err := s.repo.UpdateStage(ctx, tx, dealID, stage); err != nil {
		return Deal{}, Translate(err)
	}
	d.PipelineStage = stage

	if s.timeline != nil {
		payload := map[string]any{"from": string(from), "to": string(stage)}
		if err := s.timeline.Append(ctx, tx, dealID, timeline.StageMoved, actor.ID, payload); err != nil {
			return Deal{}, fmt.Errorf("deal: append timeline: %w", err)
		}
	}
	if s.events != nil {
		payload := map[string]any{"deal_id": dealID, "stage": string(stage), "order": stage.Order()}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicPipelineStageMoved, payload); err != nil {
			return Deal{}, fmt.Errorf("deal: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return d, nil
}
