package logx

import (
	"context"

	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
	notebookKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithUserNotebook annotates the logger with user and notebook identifiers.
func WithUserNotebook(ctx context.Context, userID schema.UserID, notebookID schema.NotebookID) pslog.Logger {
	log := WithUser(ctx, userID)
	if notebookID != "" {
		if current, ok := ctx.Value(notebookKey).(schema.NotebookID); ok && current == notebookID {
			return log
		}
		log = log.With("notebook", notebookID)
	}
	return log
}

// WithCell annotates the logger with a cell id when available.
func WithCell(log pslog.Logger, cellID schema.CellID) pslog.Logger {
	if cellID != "" {
		log = log.With("cell", cellID)
	}
	return log
}

// WithKernel annotates the logger with kernel session metadata when available.
func WithKernel(log pslog.Logger, gatewayURI string, kernelID string) pslog.Logger {
	if gatewayURI != "" {
		log = log.With("gateway", gatewayURI)
	}
	if kernelID != "" {
		log = log.With("kernel", kernelID)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithNotebook stores the notebook marker on the context for log de-duplication.
func ContextWithNotebook(ctx context.Context, notebookID schema.NotebookID) context.Context {
	if ctx == nil || notebookID == "" {
		return ctx
	}
	return context.WithValue(ctx, notebookKey, notebookID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithUserNotebookLogger attaches the logger and user/notebook markers to the context.
func ContextWithUserNotebookLogger(ctx context.Context, log pslog.Logger, userID schema.UserID, notebookID schema.NotebookID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithNotebook(ContextWithUser(ctx, userID), notebookID)
}

// CopyContextFields copies user/notebook markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	if nb, ok := src.Value(notebookKey).(schema.NotebookID); ok && nb != "" {
		dst = ContextWithNotebook(dst, nb)
	}
	return dst
}
