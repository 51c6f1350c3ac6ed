package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/lorekeeper/internal/observe"
	"github.com/MrWong99/lorekeeper/internal/scheduler"
	"github.com/MrWong99/lorekeeper/pkg/memory"
	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

// Each task closes over the snapshot taken after Record. Run only reads it;
// every write goes through the commit, guarded by the snapshot's generation.

func (s *Session) narrationTask(snap memory.Snapshot, trigger, transcript string, droppable bool) (scheduler.Task, bool) {
	if snap.CurrentScene == nil {
		return scheduler.Task{}, false
	}
	job := s.builder.Load().NarrationJob(snap, trigger, transcript)
	player, gen := snap.Player, snap.Generation
	return scheduler.Task{
		Kind:      scheduler.KindNarration,
		Turn:      job.Turn,
		Room:      job.Room,
		Droppable: droppable,
		Run: func(ctx context.Context) (scheduler.Commit, error) {
			resp, err := s.llm.Complete(ctx, job.Request)
			if err != nil {
				return nil, fmt.Errorf("session: narration: %w", err)
			}
			text := llm.Text(resp)
			return func(ctx context.Context) error {
				ctx, span := observe.StartPhase(ctx, "append", player, job.Turn)
				defer span.End()
				_, err := s.appender.AppendNarration(ctx, gen, job.Turn, job.Room, text, trigger)
				return err
			}, nil
		},
	}, true
}

func (s *Session) enrichmentTask(snap memory.Snapshot) (scheduler.Task, bool) {
	if snap.CurrentScene == nil {
		return scheduler.Task{}, false
	}
	scene := *snap.CurrentScene
	b := s.builder.Load()
	req := b.EnrichmentJob(scene)
	player, gen, turn := snap.Player, snap.Generation, snap.Turn
	return scheduler.Task{
		Kind: scheduler.KindEnrichment,
		Turn: turn,
		Room: scene.Room,
		Run: func(ctx context.Context) (scheduler.Commit, error) {
			resp, err := s.llm.Complete(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("session: enrichment: %w", err)
			}
			text := b.EnrichmentNote(llm.Text(resp))
			if text == "" {
				return nil, nil
			}
			var vec []float32
			if s.notes != nil {
				if vec, err = s.notes.Embed(ctx, scene.Room, text); err != nil {
					// The note is still worth keeping without recall.
					slog.Warn("session: embed note", "room", scene.Room, "err", err)
				}
			}
			return func(ctx context.Context) error {
				note, ok, err := s.appender.AppendNote(ctx, gen, turn, scene.Room, text)
				if err != nil || !ok || vec == nil {
					return err
				}
				if err := s.notes.Index(ctx, player, scene.Room, note, vec); err != nil {
					slog.Warn("session: index note", "room", scene.Room, "err", err)
				}
				return nil
			}, nil
		},
	}, true
}

// imagePromptTask asks the LLM for a diffusion prompt. Its commit queues the
// image generation for the same room.
func (s *Session) imagePromptTask(snap memory.Snapshot, quality string, force bool) (scheduler.Task, bool) {
	b := s.builder.Load()
	req, ok := b.ImageMetaPrompt(snap)
	if !ok {
		return scheduler.Task{}, false
	}
	room, turn := snap.CurrentScene.Room, snap.Turn
	return scheduler.Task{
		Kind: scheduler.KindImagePrompt,
		Turn: turn,
		Room: room,
		Run: func(ctx context.Context) (scheduler.Commit, error) {
			resp, err := s.llm.Complete(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("session: image prompt: %w", err)
			}
			prompt := b.DiffusionPrompt(room, llm.Text(resp))
			return func(ctx context.Context) error {
				err := s.sched.Submit(ctx, s.imageGenerationTask(turn, room, prompt, quality, force))
				if errors.Is(err, scheduler.ErrQueueFull) {
					// Already reported as job_dropped; the prompt itself succeeded.
					return nil
				}
				return err
			}, nil
		},
	}, true
}

func (s *Session) imageGenerationTask(turn int, room, prompt, quality string, force bool) scheduler.Task {
	return scheduler.Task{
		Kind: scheduler.KindImageGeneration,
		Turn: turn,
		Room: room,
		Run: func(ctx context.Context) (scheduler.Commit, error) {
			if _, err := s.images.Generate(ctx, room, prompt, quality, force); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}
