// Package hook adapts host tool-dispatcher events to coordination calls.
//
// A host such as Claude Code runs `concord hook <event>` around every session
// and tool invocation and writes a JSON event to stdin. The Handler maps the
// host's session to a registered instance, locks a file before a mutating
// tool runs, and releases it afterwards. A denied lock is returned to the
// host as a permission decision naming the current owner.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/coord"
	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/registry"
)

// Host event names.
const (
	EventSessionStart     = "SessionStart"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventStop             = "Stop"
	EventSessionEnd       = "SessionEnd"
)

// Permission decisions understood by the host.
const DecisionDeny = "deny"

// mutatingTools maps the host tools that write files to the tool_input field
// holding the target path.
var mutatingTools = map[string]string{
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"Write":        "file_path",
	"NotebookEdit": "notebook_path",
}

// Event is the JSON object the host writes to stdin.
type Event struct {
	SessionID      string         `json:"session_id"`
	HookEventName  string         `json:"hook_event_name"`
	Cwd            string         `json:"cwd,omitempty"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Source         string         `json:"source,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// TargetPath returns the file a mutating tool is about to write, or "" when
// the tool does not write files.
func (e Event) TargetPath() string {
	field, ok := mutatingTools[e.ToolName]
	if !ok {
		return ""
	}
	path, _ := e.ToolInput[field].(string)
	return path
}

// SpecificOutput is the event-specific part of a Response.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// Response is the JSON object written back to the host. A zero Response lets
// the host continue as if no hook ran.
type Response struct {
	SystemMessage      string          `json:"systemMessage,omitempty"`
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// Empty reports whether the response carries nothing for the host.
func (r Response) Empty() bool {
	return r.SystemMessage == "" && r.HookSpecificOutput == nil
}

// Denied reports whether the response blocks the tool call.
func (r Response) Denied() bool {
	return r.HookSpecificOutput != nil && r.HookSpecificOutput.PermissionDecision == DecisionDeny
}

// DecodeEvent reads one event from r. name, when non-empty, overrides the
// event's own hook_event_name.
func DecodeEvent(r io.Reader, name string) (Event, error) {
	var ev Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil && err != io.EOF {
		return Event{}, errors.NewValidationError("hook event is not valid JSON: " + err.Error()).WithField("stdin")
	}
	if name != "" {
		ev.HookEventName = name
	}
	if ev.HookEventName == "" {
		return Event{}, errors.NewValidationError("hook event name is required").WithField("hook_event_name")
	}
	return ev, nil
}

// Identity is what a Handler registers new instances with.
type Identity struct {
	Role         string
	Branch       string
	WorktreePath string
}

// Handler dispatches host events to a Coordinator.
type Handler struct {
	coord    *coord.Coordinator
	identity Identity
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger.WithComponent("hook")
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a Handler that registers instances as identity.
func NewHandler(c *coord.Coordinator, identity Identity, opts ...Option) *Handler {
	h := &Handler{
		coord:    c,
		identity: identity,
		logger:   logging.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one event. Contention is reported through the Response;
// only integrity and I/O failures are returned as errors.
func (h *Handler) Handle(ctx context.Context, ev Event) (Response, error) {
	if ev.SessionID == "" {
		return Response{}, errors.NewValidationError("hook event has no session_id").WithField("session_id")
	}
	logger := h.logger.With("session_id", ev.SessionID, "event", ev.HookEventName)

	switch ev.HookEventName {
	case EventSessionStart:
		return h.sessionStart(ctx, ev)
	case EventUserPromptSubmit, EventStop:
		_, _, err := h.ensureInstance(ctx, ev)
		return Response{}, err
	case EventPreToolUse:
		return h.preToolUse(ctx, ev)
	case EventPostToolUse:
		return h.postToolUse(ctx, ev)
	case EventSessionEnd:
		return Response{}, h.sessionEnd(ctx, ev)
	default:
		logger.Debug("ignoring hook event")
		return Response{}, nil
	}
}

func (h *Handler) sessionStart(ctx context.Context, ev Event) (Response, error) {
	id, registered, err := h.ensureInstance(ctx, ev)
	if err != nil {
		return Response{}, err
	}
	peers, err := h.coord.Peers(ctx, id)
	if err != nil {
		return Response{}, err
	}

	var sb strings.Builder
	if registered {
		fmt.Fprintf(&sb, "concord: registered as %s.", id)
	} else {
		fmt.Fprintf(&sb, "concord: resumed as %s.", id)
	}
	if len(peers) == 0 {
		sb.WriteString(" No other instances are active.")
	} else {
		fmt.Fprintf(&sb, " %d other instance(s) active:", len(peers))
		for _, p := range peers {
			fmt.Fprintf(&sb, "\n- %s (%s)", p.InstanceID, p.Role)
			if p.Branch != "" {
				fmt.Fprintf(&sb, " on %s", p.Branch)
			}
			if p.TaskDescription != "" {
				fmt.Fprintf(&sb, ": %s", p.TaskDescription)
			}
		}
		sb.WriteString("\nFiles they are editing are locked; run `concord status` to see them.")
	}

	return Response{HookSpecificOutput: &SpecificOutput{
		HookEventName:     EventSessionStart,
		AdditionalContext: sb.String(),
	}}, nil
}

func (h *Handler) preToolUse(ctx context.Context, ev Event) (Response, error) {
	path := ev.TargetPath()
	if path == "" {
		return Response{}, nil
	}
	id, _, err := h.ensureInstance(ctx, ev)
	if err != nil {
		return Response{}, err
	}

	res, err := h.coord.Acquire(ctx, id, path, ev.ToolName)
	if err != nil {
		return Response{}, err
	}

	switch res.Outcome {
	case filelock.Denied:
		return Response{HookSpecificOutput: &SpecificOutput{
			HookEventName:            EventPreToolUse,
			PermissionDecision:       DecisionDeny,
			PermissionDecisionReason: h.denyReason(res.Lock),
		}}, nil
	case filelock.StaleReclaimed:
		h.logger.Warn("reclaimed stale lock in hook",
			"resource", res.Lock.ResourceKey, "previous_owner", res.PreviousOwner)
		return Response{HookSpecificOutput: &SpecificOutput{
			HookEventName:     EventPreToolUse,
			AdditionalContext: fmt.Sprintf("concord: %s was locked by %s, whose lock expired. "+
				"Re-read the file before editing; it may hold unfinished changes.",
				res.Lock.ResourceKey, res.PreviousOwner),
		}}, nil
	default:
		return Response{}, nil
	}
}

func (h *Handler) denyReason(holder filelock.Lock) string {
	msg := fmt.Sprintf("%s is locked by %s", holder.ResourceKey, holder.OwnerInstanceID)
	if holder.Reason != "" {
		msg += fmt.Sprintf(" (%s)", holder.Reason)
	}
	if remaining := holder.Remaining(h.now()); remaining > 0 {
		msg += fmt.Sprintf(" for up to %s", remaining.Round(time.Second))
	}
	return msg + ". Work on another file or coordinate with that instance, then retry."
}

func (h *Handler) postToolUse(ctx context.Context, ev Event) (Response, error) {
	path := ev.TargetPath()
	if path == "" {
		return Response{}, nil
	}
	id, ok, err := h.coord.ResolveSession(ctx, ev.SessionID)
	if err != nil || !ok {
		return Response{}, err
	}
	res, err := h.coord.Release(ctx, id, path)
	if err != nil {
		return Response{}, err
	}
	if res.Outcome == filelock.NotOwner {
		h.logger.Warn("lock changed hands during tool use", "resource", path, "owner", res.Owner)
	}
	return Response{}, nil
}

func (h *Handler) sessionEnd(ctx context.Context, ev Event) error {
	id, ok, err := h.coord.ResolveSession(ctx, ev.SessionID)
	if err != nil || !ok {
		return err
	}
	res, err := h.coord.Unregister(ctx, id)
	if err != nil {
		return err
	}
	h.logger.Info("session ended",
		"instance_id", id, "removed", res.Removed, "released_locks", len(res.ReleasedLocks))
	return h.coord.Sessions().Unbind(ctx, ev.SessionID)
}

// ensureInstance returns the instance bound to the event's session,
// heartbeating it. A session with no binding, or whose instance was swept,
// gets a fresh registration. registered reports which happened.
func (h *Handler) ensureInstance(ctx context.Context, ev Event) (id string, registered bool, err error) {
	id, ok, err := h.coord.ResolveSession(ctx, ev.SessionID)
	if err != nil {
		return "", false, err
	}
	if ok {
		report, err := h.coord.Heartbeat(ctx, id)
		if err != nil {
			return "", false, err
		}
		if report.Result == registry.Renewed {
			return id, false, nil
		}
		h.logger.Warn("instance was swept; registering again", "instance_id", id)
	}

	inst, err := h.coord.Register(ctx, registry.RegisterOptions{
		Role:         h.identity.Role,
		Branch:       h.identity.Branch,
		WorktreePath: h.identity.WorktreePath,
	})
	if err != nil {
		return "", false, err
	}
	if err := h.coord.BindSession(ctx, ev.SessionID, inst.InstanceID); err != nil {
		return "", false, err
	}
	return inst.InstanceID, true, nil
}
