package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/jobservice/job"
)

// Topic names:
//
//	firehose                every event
//	jobs                    events of primary jobs
//	history                 events of history jobs
//	job:<jobID>             events of one job
//	scope:<type>/<id>       events of the jobs of one scope
//	execution:<id>          events of the jobs of one execution
//	tenant:<id>             events of the jobs of one tenant
const (
	TopicFirehose = "firehose"
	TopicJobs     = "jobs"
	TopicHistory  = "history"
)

// JobTopic returns the topic of a single job.
func JobTopic(jobID string) string { return "job:" + jobID }

// ScopeTopic returns the topic of a variable scope.
func ScopeTopic(scopeType, scopeID string) string { return "scope:" + scopeType + "/" + scopeID }

// ExecutionTopic returns the topic of an execution.
func ExecutionTopic(executionID string) string { return "execution:" + executionID }

// TenantTopic returns the topic of a tenant.
func TenantTopic(tenantID string) string { return "tenant:" + tenantID }

// routes lists every topic evt is published on.
func routes(evt *Event) []string {
	out := []string{TopicFirehose, JobTopic(evt.Job.ID)}
	if evt.Job.Shape == job.ShapeHistory || evt.Type == EventHistoryFailed {
		out = append(out, TopicHistory)
	} else {
		out = append(out, TopicJobs)
	}
	if evt.Job.ScopeID != "" {
		out = append(out, ScopeTopic(evt.Job.ScopeType, evt.Job.ScopeID))
	}
	if evt.Job.ExecutionID != "" {
		out = append(out, ExecutionTopic(evt.Job.ExecutionID))
	}
	if evt.Job.TenantID != "" {
		out = append(out, TenantTopic(evt.Job.TenantID))
	}
	return out
}

// ValidateTopic checks whether topic is a known global topic or a
// well-formed entity topic.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicFirehose, TopicJobs, TopicHistory:
		return nil
	}
	kind, ref, ok := strings.Cut(topic, ":")
	if !ok || ref == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "job", "execution", "tenant":
		return nil
	case "scope":
		if t, id, ok := strings.Cut(ref, "/"); ok && t != "" && id != "" {
			return nil
		}
		return fmt.Errorf("stream: scope topic %q must be scope:<type>/<id>", topic)
	}
	return fmt.Errorf("stream: unknown topic kind %q", kind)
}

// topics maps topic names to their subscribers.
type topics struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber
}

func newTopics() *topics {
	return &topics{subs: make(map[string]map[string]*Subscriber)}
}

func (t *topics) add(topic string, sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[topic]
	if !ok {
		set = make(map[string]*Subscriber)
		t.subs[topic] = set
	}
	set[sub.id] = sub
}

func (t *topics) remove(topic, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(topic, subID)
}

func (t *topics) removeAll(subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic := range t.subs {
		t.removeLocked(topic, subID)
	}
}

func (t *topics) removeLocked(topic, subID string) {
	set := t.subs[topic]
	delete(set, subID)
	if len(set) == 0 {
		delete(t.subs, topic)
	}
}

// targets returns the distinct subscribers of any of names.
func (t *topics) targets(names []string) []*Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]*Subscriber)
	for _, name := range names {
		for id, sub := range t.subs[name] {
			seen[id] = sub
		}
	}
	out := make([]*Subscriber, 0, len(seen))
	for _, sub := range seen {
		out = append(out, sub)
	}
	return out
}

func (t *topics) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
