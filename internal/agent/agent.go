// Package agent owns conversation histories. Each conversation is served by
// one actor goroutine that runs rounds strictly one at a time.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/llm"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/orchestrator"
	"github.com/comigor/labs-agent/internal/scheduler"
	"github.com/comigor/labs-agent/internal/stream"
	"github.com/comigor/labs-agent/pkg/tools"
)

var ErrClosed = errors.New("agent is closed")

const mailboxSize = 32

// Deps is what every conversation agent shares.
type Deps struct {
	LLM          llm.Client
	Config       config.LLMConfig
	Registry     *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Store        *history.Store
	// Prompts are system prompts discovered from MCP servers.
	Prompts []string
	// Now defaults to time.Now.
	Now func() time.Time
}

type job struct {
	ctx context.Context
	run func(ctx context.Context)
	// drop is called instead of run when the agent closes first.
	drop func()
}

// Agent is the single writer of one conversation's history.
type Agent struct {
	name string
	deps Deps

	mailbox chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// messages is owned by the actor goroutine; snapshot is what readers see.
	messages []history.Message
	mu       sync.RWMutex
	snapshot []history.Message
}

// New loads the conversation's history and starts its actor.
func New(ctx context.Context, name string, deps Deps) (*Agent, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	msgs, err := deps.Store.Load(ctx, name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load conversation", goerr.V("conversation", name))
	}
	a := &Agent{
		name:     name,
		deps:     deps,
		mailbox:  make(chan job, mailboxSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		messages: msgs,
		snapshot: history.CloneAll(msgs),
	}
	go a.loop()
	logger.L.Info("conversation agent started", "conversation", name, "messages", len(msgs))
	return a, nil
}

func (a *Agent) Name() string { return a.name }

func (a *Agent) loop() {
	defer close(a.stopped)
	for {
		select {
		case j := <-a.mailbox:
			j.run(j.ctx)
		case <-a.quit:
			for {
				select {
				case j := <-a.mailbox:
					j.drop()
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) enqueue(ctx context.Context, j job) error {
	select {
	case <-a.quit:
		return ErrClosed
	default:
	}
	select {
	case a.mailbox <- j:
		return nil
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor after the round in flight. Queued work is dropped.
func (a *Agent) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.stopped
}

// HandleInboundMessage queues msg and returns the stream of the round it
// starts. Cancelling ctx or the stream aborts the round.
func (a *Agent) HandleInboundMessage(ctx context.Context, msg history.Message) *stream.Stream {
	s, w := stream.New(ctx)
	msg = a.withDefaults(msg, history.RoleUser)
	if err := msg.Validate(); err != nil {
		w.Write(stream.ErrorEvent(err))
		w.Close()
		return s
	}

	err := a.enqueue(s.Context(), job{
		ctx: s.Context(),
		run: func(ctx context.Context) {
			defer w.Close()
			if ctx.Err() != nil {
				logger.L.Info("round cancelled before it started", "conversation", a.name, "message", msg.ID)
				return
			}
			a.runRound(ctx, msg, w)
		},
		drop: func() {
			w.Write(stream.ErrorEvent(ErrClosed))
			w.Close()
		},
	})
	if err != nil {
		w.Write(stream.ErrorEvent(err))
		w.Close()
	}
	return s
}

// HandleScheduledTrigger re-enters the conversation for a fired task.
func (a *Agent) HandleScheduledTrigger(ctx context.Context, task *scheduler.Task) *stream.Stream {
	msg := history.NewTextMessage(history.RoleSystem, "Running scheduled task: "+task.Description)
	msg.Metadata.Source = history.SourceScheduler
	logger.L.Info("running scheduled task", "conversation", a.name, "task", task.ID)
	return a.HandleInboundMessage(ctx, msg)
}

// HandleDirectInjection appends msg without running a round.
func (a *Agent) HandleDirectInjection(ctx context.Context, msg history.Message) error {
	msg = a.withDefaults(msg, history.RoleUser)
	if err := msg.Validate(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	err := a.enqueue(ctx, job{
		ctx: ctx,
		run: func(ctx context.Context) {
			a.messages = append(a.messages, msg)
			errCh <- a.persist(context.WithoutCancel(ctx))
		},
		drop: func() { errCh <- ErrClosed },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns a copy of the conversation as last persisted.
func (a *Agent) History(_ context.Context) ([]history.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return history.CloneAll(a.snapshot), nil
}

func (a *Agent) withDefaults(msg history.Message, role history.Role) history.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = role
	}
	if msg.Metadata.CreatedAt.IsZero() {
		msg.Metadata.CreatedAt = a.deps.Now().UTC()
	}
	return msg
}

// persist saves the history and publishes it to readers. A failed save
// is logged and the in-memory history stays authoritative.
func (a *Agent) persist(ctx context.Context) error {
	a.mu.Lock()
	a.snapshot = history.CloneAll(a.messages)
	a.mu.Unlock()
	if err := a.deps.Store.Save(ctx, a.name, a.messages); err != nil {
		logger.L.Error("failed to persist conversation", "conversation", a.name, "error", err)
		return err
	}
	return nil
}

// Hub creates conversation agents on first use; distinct conversations
// run in parallel.
type Hub struct {
	deps   Deps
	mu     sync.Mutex
	agents map[string]*Agent
}

func NewHub(deps Deps) *Hub {
	return &Hub{deps: deps, agents: make(map[string]*Agent)}
}

// Get returns the agent of the named conversation, starting it if needed.
func (h *Hub) Get(ctx context.Context, name string) (*Agent, error) {
	if name == "" {
		return nil, goerr.New("conversation name is empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.agents[name]; ok {
		return a, nil
	}
	a, err := New(ctx, name, h.deps)
	if err != nil {
		return nil, err
	}
	h.agents[name] = a
	return a, nil
}

// Trigger runs a fired task in its conversation and waits for the round.
// It is the scheduler's ExecuteFunc.
func (h *Hub) Trigger(ctx context.Context, task *scheduler.Task) error {
	a, err := h.Get(ctx, task.Conversation)
	if err != nil {
		return err
	}
	var roundErr error
	for ev := range a.HandleScheduledTrigger(ctx, task).Events() {
		if ev.Kind == stream.KindError && roundErr == nil {
			roundErr = goerr.New(ev.Error, goerr.V("task", task.ID))
		}
	}
	return roundErr
}

// Close stops every agent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, a := range h.agents {
		a.Close()
		delete(h.agents, name)
	}
}
