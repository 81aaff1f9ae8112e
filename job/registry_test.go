package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/scope"
)

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func run(t *testing.T, r *job.Registry, handlerType string, cfg []byte) job.Result {
	t.Helper()
	h, ok := r.Get(handlerType)
	if !ok {
		t.Fatalf("no handler for %q", handlerType)
	}
	j := job.New(handlerType, cfg)
	return h(context.Background(), j, scope.NewVariables(nil))
}

func TestRegistry_RegisterDefinition(t *testing.T) {
	r := job.NewRegistry()

	var got emailConfig
	job.RegisterDefinition(r, job.NewDefinition("send-email",
		func(_ context.Context, cfg emailConfig, vars scope.VariableScope) error {
			got = cfg
			vars.Set("sent", true)
			return nil
		},
		job.WithRetries(5),
	))

	cfg, _ := json.Marshal(emailConfig{To: "alice@example.com", Subject: "Hello"})
	res := run(t, r, "send-email", cfg)
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if got.To != "alice@example.com" || got.Subject != "Hello" {
		t.Errorf("got %+v", got)
	}

	opts, ok := r.Defaults("send-email")
	if !ok || opts.Retries != 5 {
		t.Errorf("Defaults() = %+v, %v; want retries 5", opts, ok)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered type")
	}
}

func TestRegistry_Types(t *testing.T) {
	r := job.NewRegistry()
	noop := func(context.Context, *job.Job, scope.VariableScope) job.Result { return job.OK() }
	r.Register("job-c", noop)
	r.Register("job-a", noop)
	r.Register("job-b", noop)

	types := r.Types()
	want := []string{"job-a", "job-b", "job-c"}
	if len(types) != len(want) {
		t.Fatalf("expected %d types, got %d", len(want), len(types))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestRegistry_InvalidConfigurationIsFatal(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed-job",
		func(context.Context, emailConfig, scope.VariableScope) error {
			t.Fatal("handler should not be called with invalid JSON")
			return nil
		},
	))

	res := run(t, r, "typed-job", []byte(`{invalid json`))
	if res.Outcome != job.OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %v", res.Outcome)
	}
}

func TestRegistry_HandlerErrorClassification(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want job.Outcome
	}{
		{"nil", nil, job.OutcomeOK},
		{"plain", boom, job.OutcomeRecoverable},
		{"permanent", job.Permanent(boom), job.OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := job.NewRegistry()
			job.RegisterDefinition(r, job.NewDefinition("failing",
				func(context.Context, struct{}, scope.VariableScope) error { return tt.err },
			))
			res := run(t, r, "failing", nil)
			if res.Outcome != tt.want {
				t.Fatalf("Outcome = %v, want %v", res.Outcome, tt.want)
			}
			if tt.err != nil && !errors.Is(res.Err, boom) {
				t.Errorf("result error %v does not wrap %v", res.Err, boom)
			}
		})
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	r := job.NewRegistry()
	r.Register("overwrite", func(context.Context, *job.Job, scope.VariableScope) job.Result {
		return job.Recoverable(errors.New("old"))
	})
	r.Register("overwrite", func(context.Context, *job.Job, scope.VariableScope) job.Result {
		return job.Fatal(errors.New("new"))
	})

	res := run(t, r, "overwrite", nil)
	if res.Error() != "new" {
		t.Fatalf("expected 'new', got %q", res.Error())
	}
}
