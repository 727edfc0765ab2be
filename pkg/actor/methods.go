package actor

import (
	"context"
	"time"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/connect"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/reminders"
	convo "github.com/wilhg/convo/pkg/slices"
	"github.com/wilhg/convo/pkg/tools"
)

// Actor method names exposed to the model.
const (
	MethodSetReminder        = "set_reminder"
	MethodListReminders      = "list_reminders"
	MethodCancelReminder     = "cancel_reminder"
	MethodConnectIntegration = "connect_integration"
	MethodPauseConversation  = "pause_conversation"
)

type reminderOut struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	NextAt    string `json:"next_at"`
	Recurring bool   `json:"recurring"`
	Schedule  string `json:"schedule,omitempty"`
}

func toReminderOut(r convo.Reminder) reminderOut {
	return reminderOut{
		ID:        r.ID,
		Message:   r.Message,
		NextAt:    r.NextAt.UTC().Format(time.RFC3339),
		Recurring: r.Recurring,
		Schedule:  r.Schedule,
	}
}

type listRemindersIn struct{}

type listRemindersOut struct {
	Reminders []reminderOut `json:"reminders"`
}

type cancelReminderIn struct {
	ID string `json:"id" jsonschema:"id returned by set_reminder or list_reminders"`
}

type cancelReminderOut struct {
	Cancelled bool `json:"cancelled"`
}

type connectIn struct {
	ServerID string            `json:"server_id" jsonschema:"configured integration id"`
	UserID   string            `json:"user_id,omitempty" jsonschema:"user the connection belongs to, for per-user integrations"`
	Params   map[string]string `json:"params,omitempty" jsonschema:"values for fields the integration asked for"`
}

type connectOut struct {
	Status         string   `json:"status"`
	AuthURL        string   `json:"auth_url,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type pauseIn struct {
	Reason string `json:"reason,omitempty"`
}

type pauseOut struct {
	Paused bool `json:"paused"`
}

func (a *Actor) registerMethods() error {
	if err := agent.Register(a.methods, MethodSetReminder,
		"Schedules a reminder. Give exactly one of numberOfSecondsFromNow, at (RFC 3339) or cron.",
		func(ctx context.Context, in reminders.Request) (reminderOut, error) {
			r, err := a.reminders.Create(ctx, in)
			if err != nil {
				return reminderOut{}, err
			}
			return toReminderOut(r), nil
		}); err != nil {
		return err
	}
	if err := agent.Register(a.methods, MethodListReminders, "Lists the scheduled reminders",
		func(ctx context.Context, _ listRemindersIn) (listRemindersOut, error) {
			rs, err := a.reminders.List(ctx)
			if err != nil {
				return listRemindersOut{}, err
			}
			out := listRemindersOut{Reminders: make([]reminderOut, 0, len(rs))}
			for _, r := range rs {
				out.Reminders = append(out.Reminders, toReminderOut(r))
			}
			return out, nil
		}); err != nil {
		return err
	}
	if err := agent.Register(a.methods, MethodCancelReminder, "Cancels a reminder",
		func(ctx context.Context, in cancelReminderIn) (cancelReminderOut, error) {
			if err := a.reminders.Cancel(ctx, in.ID); err != nil {
				return cancelReminderOut{}, err
			}
			return cancelReminderOut{Cancelled: true}, nil
		}); err != nil {
		return err
	}
	if err := agent.Register(a.methods, MethodConnectIntegration,
		"Connects an integration server. The result may ask the user to authorize at auth_url or to supply required_fields.",
		func(ctx context.Context, in connectIn) (connectOut, error) {
			if in.ServerID == "" {
				return connectOut{}, errmodel.Validation("invalid_input", "server_id is required", nil)
			}
			o, err := a.Connect(ctx, ConnectRequest{ServerID: in.ServerID, Key: connect.Key{UserID: in.UserID}, Params: in.Params})
			if err != nil {
				return connectOut{}, err
			}
			out := connectOut{Status: o.Status, AuthURL: o.AuthURL, RequiredFields: o.RequiredFields}
			for _, t := range o.Tools {
				out.Tools = append(out.Tools, t.Name)
			}
			if o.Err != nil {
				out.Error = errmodel.Text(o.Err)
			}
			return out, nil
		}); err != nil {
		return err
	}
	return agent.RegisterResult(a.methods, MethodPauseConversation,
		"Pauses the conversation until an operator resumes it",
		func(_ context.Context, in pauseIn) (agent.ToolResult, error) {
			return agent.ToolResult{
				Output: pauseOut{Paused: true},
				Events: []agent.Draft{agent.NewDraft(convo.EventPaused, convo.PauseChange{Reason: in.Reason})},
			}, nil
		})
}

// defaultSpecs are the tools every actor offers the model.
func defaultSpecs() []agent.ToolSpec {
	noTrigger := false
	return []agent.ToolSpec{
		{Kind: agent.ToolKindMethod, Name: MethodSetReminder, Target: MethodSetReminder},
		{Kind: agent.ToolKindMethod, Name: MethodListReminders, Target: MethodListReminders},
		{Kind: agent.ToolKindMethod, Name: MethodCancelReminder, Target: MethodCancelReminder},
		{Kind: agent.ToolKindMethod, Name: MethodConnectIntegration, Target: MethodConnectIntegration},
		{Kind: agent.ToolKindMethod, Name: MethodPauseConversation, Target: MethodPauseConversation, TriggerNextStep: &noTrigger},
		{Kind: agent.ToolKindBuiltin, Name: tools.BuiltinCurrentTime, Target: tools.BuiltinCurrentTime},
	}
}
