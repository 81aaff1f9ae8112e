package cli_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xraph/jobservice/internal/cli"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchedule(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{
			name: "ready job",
			args: []string{"schedule", "log", "--config", `{"msg":"hi"}`},
			want: "Scheduled ready job job_",
		},
		{
			name: "timer",
			args: []string{"schedule", "log", "--in", "1h"},
			want: "Scheduled timer job job_",
		},
		{
			name: "repeating timer",
			args: []string{"schedule", "log", "--repeat", "@every 5m", "--scope", "process-instance/pi-1", "--exclusive"},
			want: "Scheduled timer job",
		},
		{
			name:    "invalid config",
			args:    []string{"schedule", "log", "--config", "{nope"},
			wantErr: "valid JSON",
		},
		{
			name:    "malformed scope",
			args:    []string{"schedule", "log", "--scope", "pi-1"},
			wantErr: "--scope must be",
		},
		{
			name:    "bad repeat",
			args:    []string{"schedule", "log", "--repeat", "every tuesday-ish"},
			wantErr: "repeat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want containing %q", out, tt.want)
			}
		})
	}
}

func TestStoreSelection(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown backend", []string{"--store", "etcd", "--dsn", "x", "jobs", "list"}, "unknown store"},
		{"missing dsn", []string{"--store", "postgres", "jobs", "list"}, "--dsn is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestJobsList_Empty(t *testing.T) {
	out, err := execute(t, "jobs", "list", "--shape", "ready")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "No jobs found.") {
		t.Errorf("output = %q", out)
	}
}

func TestJobsList_UnknownShape(t *testing.T) {
	if _, err := execute(t, "jobs", "list", "--shape", "pending"); err == nil {
		t.Fatal("unknown shape accepted")
	}
}

func TestJobIDArguments(t *testing.T) {
	for _, args := range [][]string{
		{"jobs", "get", "not-an-id"},
		{"jobs", "cancel", "not-an-id"},
		{"deadletter", "retry", "not-an-id"},
	} {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("%v: invalid job ID accepted", args)
		}
	}
}

func TestScopeSuspend_NoJobs(t *testing.T) {
	out, err := execute(t, "scope", "suspend", "process-instance", "pi-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "0 jobs affected") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_RejectsInvalidTopic(t *testing.T) {
	_, err := execute(t, "run", "--events", "queue:default")
	if err == nil || !strings.Contains(err.Error(), "topic") {
		t.Fatalf("error = %v, want invalid topic", err)
	}
}
