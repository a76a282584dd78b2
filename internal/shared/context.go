package shared

import (
	"context"
	"strings"
)

type sessionContextKey struct{}

type requestContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// RequestContext carries the ambient metadata of the inbound request.
// Every field is optional; consumers must tolerate empty values.
type RequestContext struct {
	IPAddress string
	UserAgent string
	SessionID string
	RequestID string
}

// ContextWithRequest stores request metadata in context.
func ContextWithRequest(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFromContext returns the request metadata, or a zero value when absent.
func RequestFromContext(ctx context.Context) RequestContext {
	if ctx == nil {
		return RequestContext{}
	}
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

// RequestContextProvider supplies request metadata at call time.
type RequestContextProvider interface {
	RequestContext(ctx context.Context) RequestContext
}

// ContextProvider reads request metadata stored by ContextWithRequest.
type ContextProvider struct{}

// RequestContext implements RequestContextProvider.
func (ContextProvider) RequestContext(ctx context.Context) RequestContext {
	rc := RequestFromContext(ctx)
	rc.IPAddress = strings.TrimSpace(rc.IPAddress)
	rc.UserAgent = strings.TrimSpace(rc.UserAgent)
	return rc
}

// StaticProvider always returns the same metadata. Useful for jobs and tests.
type StaticProvider RequestContext

// RequestContext implements RequestContextProvider.
func (p StaticProvider) RequestContext(context.Context) RequestContext {
	return RequestContext(p)
}
