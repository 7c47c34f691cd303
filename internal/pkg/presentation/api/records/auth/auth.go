package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

var tracer = otel.Tracer("record-broker/api/authz")

type Enticator interface {
	CheckAccess(ctx context.Context, r *http.Request, recordTypes []string) error
}

type enticatorImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &enticatorImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.example.authz.allow"),
		rego.Module("example.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (e *enticatorImpl) CheckAccess(ctx context.Context, r *http.Request, recordTypes []string) error {
	var err error

	_, span := tracer.Start(ctx, "check-access")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	token := r.Header.Get("Authorization")
	if token == "" {
		err = errors.New("authorization header is missing")
		return err
	}

	token = strings.TrimPrefix(token, "Bearer ")

	input := map[string]any{
		"method": r.Method,
		"path":   strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/"),
		"token":  token,
		"types":  recordTypes,
	}

	results, err := e.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return err
	}

	if len(results) == 0 {
		err = errors.New("opa query could not be satisfied")
		return err
	}

	allowed, ok := results[0].Bindings["x"].(bool)
	if !ok || !allowed {
		err = errors.New("access denied")
		return err
	}

	return nil
}
