package tools

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/otel"
)

// Recorder receives tool execution metrics.
type Recorder interface {
	ObserveTool(tool, outcome string, elapsed time.Duration)
}

// Tracing opens a span around each invocation.
func Tracing() Middleware {
	tracer := otel.Tracer("tools")
	return func(next ExecFunc) ExecFunc {
		return func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			ctx, span := tracer.Start(ctx, "Tool.Invoke")
			defer span.End()
			span.SetAttributes(
				otel.ToolName.String(inv.Spec.Name),
				otel.ToolKind.String(string(inv.Spec.Kind)),
				otel.ToolCallID.String(inv.CallID),
			)
			res, err := next(ctx, inv)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return res, err
		}
	}
}

// Audit logs every invocation outcome and reports it to rec, which may be nil.
func Audit(logger *zap.Logger, rec Recorder) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next ExecFunc) ExecFunc {
		return func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			start := time.Now()
			res, err := next(ctx, inv)
			elapsed := time.Since(start)
			outcome := outcomeOf(err)
			fields := []zap.Field{
				zap.String("tool", inv.Spec.Name),
				zap.String("call_id", inv.CallID),
				zap.String("outcome", outcome),
				zap.Duration("elapsed", elapsed),
			}
			if err != nil && outcome != "pending_approval" {
				logger.Warn("tool call failed", append(fields, errmodel.Field(err))...)
			} else {
				logger.Info("tool call", fields...)
			}
			if rec != nil {
				rec.ObserveTool(inv.Spec.Name, outcome, elapsed)
			}
			return res, err
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsApprovalPending(err):
		return "pending_approval"
	}
	return errmodel.From(err).Category
}

// Retry re-runs transient failures up to attempts times in total, waiting
// backoff, then twice that, between attempts.
func Retry(attempts int, backoff time.Duration) Middleware {
	if attempts < 1 {
		attempts = 1
	}
	return func(next ExecFunc) ExecFunc {
		return func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			wait := backoff
			var (
				res agent.ToolResult
				err error
			)
			for i := 0; i < attempts; i++ {
				res, err = next(ctx, inv)
				if err == nil || !errmodel.IsTransient(err) || i == attempts-1 {
					return res, err
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return res, err
				case <-t.C:
				}
				wait *= 2
			}
			return res, err
		}
	}
}

// ApprovalGate short-circuits calls of specs that require approval. The
// inner function is not called; a *PendingApproval error carrying the key and
// the exact invocation is returned instead.
func ApprovalGate() Middleware {
	return func(next ExecFunc) ExecFunc {
		return func(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
			if !inv.Spec.RequiresApproval || inv.Approved {
				return next(ctx, inv)
			}
			key, err := ApprovalKey(inv.Spec.Name, inv.Args)
			if err != nil {
				return agent.ToolResult{}, errmodel.Validation("invalid_input", "arguments are not canonicalizable", map[string]any{"tool": inv.Spec.Name, "error": err.Error()})
			}
			return agent.ToolResult{}, &PendingApproval{Key: key, Invocation: inv}
		}
	}
}
