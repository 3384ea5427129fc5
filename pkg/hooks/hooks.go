// Package hooks delivers run lifecycle notifications to external systems.
// Each configured hook is handled by the reporter registered for its kind;
// deliveries run asynchronously and their failures never reach the code
// that triggered them.
package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/store"
)

// AppName is the default status context when a hook sets no build name.
const AppName = "director"

// EventType names a lifecycle transition.
type EventType string

const (
	EventRunStart       EventType = "RUN_START"
	EventRunFinish      EventType = "RUN_FINISH"
	EventRunTimeout     EventType = "RUN_TIMEOUT"
	EventInstanceStart  EventType = "INSTANCE_START"
	EventInstanceFinish EventType = "INSTANCE_FINISH"
)

// RunEvents are the group level lifecycle events.
var RunEvents = []EventType{EventRunStart, EventRunFinish, EventRunTimeout}

// AllEvents lists every event type.
var AllEvents = []EventType{
	EventRunStart, EventRunFinish, EventRunTimeout,
	EventInstanceStart, EventInstanceFinish,
}

// Event is one lifecycle transition of a group. Progress is the group's.
type Event struct {
	Type      EventType
	Run       store.Run
	Group     store.Group
	Instance  *store.Instance
	RunURL    string
	Timestamp time.Time
}

// Successful reports whether the group completed without failures.
func (e *Event) Successful() bool {
	return e.Group.Successful()
}

var (
	// ErrMissingCredentials means the hook lacks required credentials. The
	// delivery is skipped.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrMissingCommit means the run carries no commit sha to report a
	// status for. The delivery is skipped.
	ErrMissingCommit = errors.New("run has no commit sha")
)

// HookDeliveryError reports a failed delivery. It is logged by the
// dispatcher and never returned to callers.
type HookDeliveryError struct {
	HookID     string
	Kind       string
	StatusCode int
	Err        error
}

func (e *HookDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"delivering %s hook %s: unexpected status %d",
			e.Kind, e.HookID, e.StatusCode,
		)
	}

	return fmt.Sprintf("delivering %s hook %s: %v", e.Kind, e.HookID, e.Err)
}

func (e *HookDeliveryError) Unwrap() error {
	return e.Err
}

// Reporter renders and sends an event for one kind of hook.
type Reporter interface {
	Kind() string
	DefaultEvents() []EventType
	Report(ctx context.Context, hook config.HookConfig, event Event) error
}

// Matches reports whether the hook wants the event type. Hooks without an
// explicit event list get the reporter defaults.
func Matches(hook config.HookConfig, defaults []EventType, eventType EventType) bool {
	if len(hook.Events) == 0 {
		return slices.Contains(defaults, eventType)
	}

	return slices.Contains(hook.Events, string(eventType))
}

// ContextLabel is the name of the external status entry of a group. The
// group id is only appended when it was set explicitly, i.e. differs from
// the CI build id, so that reruns of a build update the same entry.
func ContextLabel(buildName, ciBuildID, groupID string) string {
	label := buildName
	if label == "" {
		label = AppName
	}

	if groupID != ciBuildID {
		label = label + ": " + groupID
	}

	return label
}

// StatusKey derives the stable identifier of an external status entry.
func StatusKey(hookID, label string) string {
	sum := sha256.Sum256([]byte(hookID + "_" + label))

	return hex.EncodeToString(sum[:])[:32]
}

// Describe renders the short progress summary used by status reporters.
func Describe(event Event) string {
	t := event.Group.Progress.Tests

	desc := fmt.Sprintf(
		"failed:%d passed:%d skipped:%d",
		t.Failures+t.Skipped, t.Passes, t.Pending,
	)

	if event.Type == EventRunTimeout {
		desc = "timedout - " + desc
	}

	return desc
}
