package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rendis/outreach/internal/agent"
	"github.com/rendis/outreach/pkg/schema"
)

// ClassifyError maps an invocation error onto an ErrorKind. Typed agent failures keep
// their kind; configuration and validation codes are configuration errors; network
// errors, timeouts and anything unrecognized are transient.
func ClassifyError(err error) schema.ErrorKind {
	var f *agent.Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	switch schema.CodeOf(err) {
	case schema.ErrCodeInvalidConfiguration, schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeExpression:
		return schema.ErrorKindConfiguration
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrorKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.ErrorKindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"unknown model", "unknown step", "invalid api key", "unauthorized"} {
		if strings.Contains(msg, p) {
			return schema.ErrorKindConfiguration
		}
	}
	return schema.ErrorKindTransient
}
