// Package chat turns chat stream events into an incrementally updated message
// list for the active conversation.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/client"
	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/internal/progress"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/metrics"
)

var (
	// ErrTurnInFlight is returned by Send while another turn is running.
	ErrTurnInFlight = errors.New("chat: a turn is already in flight")
	// ErrEmptyContent is returned by Send for blank messages.
	ErrEmptyContent = errors.New("chat: message content is empty")
)

// API is the backend the controller talks to. *client.Client implements it.
type API interface {
	Stream(ctx context.Context, req *model.ChatRequest) (*client.Stream, error)
	OneShot(ctx context.Context, req *model.ChatRequest) (*model.Message, error)
}

// Phase is the position of the controller in the turn state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
)

// Outcome is how the last turn ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

// Snapshot is a copy of the observable controller state.
type Snapshot struct {
	ConversationID string
	Messages       []model.Message
	Error          string
	Phase          Phase
	Outcome        Outcome
	CanStop        bool
	ActiveTools    []string
}

// Controller runs chat turns against an API. All methods are safe for
// concurrent use; at most one turn runs at a time.
type Controller struct {
	api       API
	logger    *logger.Logger
	projectID string
	observer  func(Snapshot)
	now       func() time.Time

	mu          sync.Mutex
	acc         accumulator
	ident       identity
	gate        gate
	phase       Phase
	outcome     Outcome
	errMsg      string
	activeTools []string

	notifyMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithProjectID sets the project sent with every request.
func WithProjectID(id string) Option {
	return func(c *Controller) {
		c.projectID = id
	}
}

// WithConversationID starts the controller on an existing conversation.
func WithConversationID(id string) Option {
	return func(c *Controller) {
		c.ident.reset(id)
	}
}

// WithObserver registers fn to be called with a fresh snapshot after every
// state change. Calls are serialized; fn must not call Send, SendOneShot,
// Stop, Reset or Load.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController creates a controller with an empty "new" conversation.
func NewController(api API, opts ...Option) *Controller {
	c := &Controller{
		api:    api,
		logger: logger.NewNop(),
		now:    time.Now,
		phase:  PhaseIdle,
	}
	c.ident.reset(model.NewConversationID)
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.Named("chat")
	c.acc = accumulator{
		active: true,
		now:    func() time.Time { return c.now() },
		newID:  func() string { return "local-" + uuid.NewString() },
	}
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: c.ident.current,
		Messages:       c.acc.snapshot(),
		Error:          c.errMsg,
		Phase:          c.phase,
		Outcome:        c.outcome,
		CanStop:        c.gate.canStop(),
		ActiveTools:    append([]string(nil), c.activeTools...),
	}
}

// CanStop reports whether a cancellable turn is in flight.
func (c *Controller) CanStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.canStop()
}

func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.observer(c.Snapshot())
}

// Stop cancels the in-flight turn. Accumulated content is kept and no error
// is reported. It returns false when nothing was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	stopped := c.gate.abort()
	c.mu.Unlock()

	if stopped {
		c.logger.Info("turn cancelled by user")
		c.notify()
	}
	return stopped
}

// Reset switches to conversationID ("" deactivates the controller, "new"
// starts a fresh conversation). Any in-flight turn is aborted and the
// controller is idle on return.
func (c *Controller) Reset(conversationID string) {
	c.mu.Lock()
	c.gate.invalidate()
	c.acc.reset(conversationID != "")
	c.ident.reset(conversationID)
	c.phase = PhaseIdle
	c.errMsg = ""
	c.outcome = OutcomeNone
	c.activeTools = nil
	c.mu.Unlock()

	c.notify()
}

// Load switches to conversationID with msgs as its history.
func (c *Controller) Load(conversationID string, msgs []model.Message) {
	c.mu.Lock()
	c.gate.invalidate()
	c.acc.load(msgs)
	c.ident.reset(conversationID)
	c.phase = PhaseIdle
	c.errMsg = ""
	c.outcome = OutcomeNone
	c.activeTools = nil
	c.mu.Unlock()

	c.notify()
}

// turn is the per-send bookkeeping shared by Send and SendOneShot.
type turn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
	req        *model.ChatRequest
	started    time.Time
	log        *logger.Logger
}

func (c *Controller) beginTurn(ctx context.Context, content string) (*turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil, ErrTurnInFlight
	}

	if !c.acc.active {
		c.acc.reset(true)
		c.ident.reset(model.NewConversationID)
	}
	user := c.acc.appendUserMessage(content)

	c.phase = PhaseSending
	c.outcome = OutcomeNone
	c.errMsg = ""
	c.activeTools = nil

	t := &turn{
		req: &model.ChatRequest{
			Messages:       []model.RequestMessage{{ID: user.ID, Role: model.RoleUser, Content: content}},
			ProjectID:      c.projectID,
			ConversationID: c.ident.current,
		},
		started: c.now(),
		log:     c.logger.WithTurn(c.projectID, c.ident.current),
	}
	t.ctx, t.cancel, t.generation = c.gate.begin(ctx)
	c.mu.Unlock()

	t.log.Debug("turn started", zap.String("message_id", user.ID))
	c.notify()
	return t, nil
}

// mutate applies fn under the lock unless the turn has been aborted.
func (c *Controller) mutate(t *turn, fn func()) bool {
	c.mu.Lock()
	if t.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	fn()
	c.mu.Unlock()

	c.notify()
	return true
}

func (c *Controller) endTurn(t *turn, outcome Outcome, errMsg string) {
	t.cancel()

	c.mu.Lock()
	// A Reset or Load since this turn began owns the state now.
	if t.generation == c.gate.generation {
		c.gate.end(t.generation)
		c.phase = PhaseIdle
		c.outcome = outcome
		if outcome == OutcomeErrored {
			c.errMsg = errMsg
		}
		c.activeTools = nil
	}
	conversationID := c.ident.current
	c.mu.Unlock()

	elapsed := c.now().Sub(t.started)
	metrics.RecordTurn(string(outcome), elapsed.Seconds())

	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.String("resolved_conversation_id", conversationID),
		zap.Duration("duration", elapsed),
	}
	if outcome == OutcomeErrored {
		t.log.Warn("turn failed", append(fields, zap.String("error", errMsg))...)
	} else {
		t.log.Info("turn finished", fields...)
	}

	c.notify()
}

// classify maps a failure of the turn into its outcome. Aborts are silent.
func classify(t *turn, err error) (Outcome, string) {
	if errors.Is(err, context.Canceled) || errors.Is(t.ctx.Err(), context.Canceled) {
		return OutcomeCancelled, ""
	}
	return OutcomeErrored, err.Error()
}

// Send runs one streamed turn and blocks until it completes, errors or is
// stopped. Failures end up in the snapshot's Error; the returned error is
// only ErrEmptyContent or ErrTurnInFlight.
func (c *Controller) Send(ctx context.Context, content string) error {
	t, err := c.beginTurn(ctx, content)
	if err != nil {
		return err
	}

	outcome, errMsg := c.stream(t)
	c.endTurn(t, outcome, errMsg)
	return nil
}

func (c *Controller) stream(t *turn) (Outcome, string) {
	s, err := c.api.Stream(t.ctx, t.req)
	if err != nil {
		return classify(t, err)
	}
	defer s.Close()

	c.mutate(t, func() {
		c.ident.maybeAdopt(s.ConversationID())
		c.phase = PhaseStreaming
	})

	for {
		ev, err := s.Next(t.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				return OutcomeCompleted, ""
			}
			return classify(t, err)
		}

		var (
			outcome Outcome
			errMsg  string
			done    bool
		)
		applied := c.mutate(t, func() {
			outcome, errMsg, done = c.applyLocked(t, ev)
		})
		if !applied {
			return classify(t, t.ctx.Err())
		}
		if done {
			return outcome, errMsg
		}
	}
}

// applyLocked folds one event into the state. done is set by terminal events.
func (c *Controller) applyLocked(t *turn, ev *model.StreamEvent) (Outcome, string, bool) {
	if c.ident.maybeAdopt(ev.ConversationID) {
		t.log.Debug("conversation id adopted", zap.String("event", string(ev.Type)))
	}

	switch ev.Type {
	case model.EventStart:
		c.phase = PhaseStreaming
	case model.EventProgress:
		for _, d := range progress.Interpret(ev.Content) {
			if d.IsTool() {
				c.addToolLocked(d.Tool)
				continue
			}
			c.acc.applyTextDelta(d.Text)
		}
	case model.EventContent:
		c.acc.replaceContent(ev.Content)
	case model.EventToolUse:
		c.addToolLocked(ev.Tool)
	case model.EventComplete:
		tools := ev.ToolsUsed
		if len(tools) == 0 && len(c.activeTools) > 0 {
			tools = c.activeTools
		}
		c.acc.finalize(ev.Content, ev.ID, tools, ev.ProcessingTimeMs)
		return OutcomeCompleted, "", true
	case model.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "stream reported an error"
		}
		return OutcomeErrored, msg, true
	default:
		t.log.Debug("ignoring unknown stream event", zap.String("type", string(ev.Type)))
	}
	return OutcomeNone, "", false
}

func (c *Controller) addToolLocked(tool string) {
	if tool == "" {
		return
	}
	for _, existing := range c.activeTools {
		if existing == tool {
			return
		}
	}
	c.activeTools = append(c.activeTools, tool)
}

// SendOneShot runs one turn through the non-streaming endpoint.
func (c *Controller) SendOneShot(ctx context.Context, content string) error {
	t, err := c.beginTurn(ctx, content)
	if err != nil {
		return err
	}

	msg, err := c.api.OneShot(t.ctx, t.req)
	if err != nil {
		outcome, errMsg := classify(t, err)
		c.endTurn(t, outcome, errMsg)
		return nil
	}

	if !c.mutate(t, func() {
		c.acc.finalize(msg.Content, msg.ID, msg.ToolsUsed, msg.ProcessingTimeMs)
	}) {
		outcome, errMsg := classify(t, t.ctx.Err())
		c.endTurn(t, outcome, errMsg)
		return nil
	}

	c.endTurn(t, OutcomeCompleted, "")
	return nil
}
