package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/memory"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// TurnRequest is the input of one dialog turn.
type TurnRequest struct {
	UserID   string
	Text     string
	Payloads Payloads

	// Sink receives the generated text. Required.
	Sink Sink

	// Topic, if set, replaces the session topic when the turn is committed.
	Topic *memory.Topic
}

// TurnResult describes a completed turn.
type TurnResult struct {
	// Text is everything the model generated during the turn.
	Text string

	// Calls is the number of generation calls the turn needed.
	Calls int

	// ToolCalls lists every tool the model called, in order.
	ToolCalls []llm.ToolCall

	// VisionUsed reports whether an image was captured.
	VisionUsed bool

	// Session is the committed session.
	Session *memory.Session
}

// Run executes a complete turn: it loads the session, resets it when stale,
// streams the answer into req.Sink and performs the tool and vision follow-up
// calls the model asks for.
//
// The loop ends after at most MaxToolRounds tool rounds; the last call is
// issued without tools so the model has to answer. A vision directive triggers
// at most one capture per turn.
//
// History is saved once, after the final call succeeded. A failed or
// cancelled turn leaves the stored session untouched. Images are never
// persisted.
func (s *Service) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Sink == nil {
		return nil, errors.New("engine: turn needs a sink")
	}
	ctx, span := observe.StartSpan(observe.WithUser(ctx, req.UserID), "engine.turn")
	defer span.End()
	log := observe.Logger(ctx)

	sess, err := s.load(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if sess.Stale(s.now(), s.contextTimeout) {
		log.Info("session context expired, starting fresh")
		sess.Reset()
	}

	msgs := s.MakePrompt(sess, req.Text, req.Payloads)
	turn := []llm.Message{msgs[len(msgs)-1]}
	contextID := sess.ContextID
	vision := s.capturer != nil
	result := &TurnResult{}

	var (
		prev       *GenerationSession
		sinkErr    error
		toolRounds int
	)
	for {
		useTools := s.tools != nil && toolRounds < s.maxToolRounds
		req.Sink.Begin()
		gs, err := s.GenerateContent(ctx, GenerateRequest{
			UserID:          req.UserID,
			ContextID:       contextID,
			Messages:        msgs,
			Inputs:          req.Payloads.Inputs,
			UseFunctions:    useTools,
			RetryCounter:    s.retries,
			Previous:        prev,
			VisionAvailable: vision,
			OnDelta: func(text, lang string) {
				if sinkErr == nil {
					sinkErr = req.Sink.Write(ctx, text, lang)
				}
			},
		})
		result.Calls++
		if err != nil {
			return result, err
		}
		if sinkErr != nil {
			return result, fmt.Errorf("engine: sink: %w", sinkErr)
		}
		if err := req.Sink.Flush(ctx); err != nil {
			return result, fmt.Errorf("engine: sink: %w", err)
		}
		if id := gs.ContextID(); id != "" {
			contextID = id
		}
		prev = gs
		result.Text = gs.StreamBuffer()

		if gs.ResponseType() == ResponseFunctionCalling && useTools {
			toolRounds++
			calls := gs.ToolCalls()
			result.ToolCalls = append(result.ToolCalls, calls...)
			step := []llm.Message{{Role: llm.RoleAssistant, Content: gs.CurrentStreamBuffer(), ToolCalls: calls}}
			for _, tc := range calls {
				step = append(step, llm.Message{
					Role:       llm.RoleTool,
					Name:       tc.Name,
					ToolCallID: tc.ID,
					Content:    s.executeTool(ctx, tc),
				})
			}
			if err := ctx.Err(); err != nil {
				return result, context.Cause(ctx)
			}
			msgs = append(msgs, step...)
			turn = append(turn, step...)
			continue
		}

		if source := req.Sink.Vision(); source != "" && vision {
			req.Sink.ClearVision()
			vision = false
			img, err := s.capturer.Capture(ctx, req.UserID, source)
			switch {
			case err == nil:
				_, visionPrompt := s.prompts()
				result.VisionUsed = true
				step := []llm.Message{
					{Role: llm.RoleAssistant, Content: gs.CurrentStreamBuffer()},
					{Role: llm.RoleUser, Content: visionPrompt, Images: []llm.Image{img}, FollowUp: true},
				}
				msgs = append(msgs, step...)
				turn = append(turn, step...)
				continue
			case ctx.Err() != nil:
				return result, context.Cause(ctx)
			default:
				log.Warn("image capture failed, answering without it", "source", source, "err", err)
			}
		}

		turn = append(turn, llm.Message{Role: llm.RoleAssistant, Content: gs.CurrentStreamBuffer()})
		break
	}

	sess.History = append(sess.History, turn...)
	sess.ContextID = contextID
	if req.Topic != nil {
		sess.Topic = *req.Topic
	}
	sess.UpdatedAt = s.now()
	committed := sess.Clone()
	if err := s.store.Save(ctx, committed); err != nil {
		return result, fmt.Errorf("engine: save session: %w", err)
	}
	result.Session = committed
	return result, nil
}

// executeTool runs one tool call and returns the text the model sees. Tool
// failures are reported to the model rather than aborting the turn.
func (s *Service) executeTool(ctx context.Context, tc llm.ToolCall) string {
	ctx, span := observe.StartSpan(ctx, "engine.tool")
	defer span.End()

	res, err := s.tools.ExecuteTool(ctx, tc.Name, tc.Arguments)
	if err != nil {
		observe.Logger(ctx).Warn("tool call failed", "tool", tc.Name, "err", err)
		return fmt.Sprintf("error: %v", err)
	}
	if res.IsError {
		return "error: " + res.Content
	}
	return res.Content
}

// load returns the stored session or a new one.
func (s *Service) load(ctx context.Context, userID string) (*memory.Session, error) {
	sess, err := s.store.Load(ctx, userID)
	if errors.Is(err, memory.ErrNotFound) {
		return memory.NewSession(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load session: %w", err)
	}
	return sess, nil
}

// Forget deletes the stored session of userID.
func (s *Service) Forget(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("engine: delete session: %w", err)
	}
	return nil
}

// UpdateTopic changes the stored topic of userID without running a turn.
func (s *Service) UpdateTopic(ctx context.Context, userID string, topic memory.Topic) error {
	sess, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	sess.Topic = topic
	sess.UpdatedAt = s.now()
	if err := s.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("engine: save session: %w", err)
	}
	return nil
}
