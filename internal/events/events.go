package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Progress markers sent on a job subject. Viewers key off the literal text.
const (
	MarkerStarted  = "::STEP_1_OK::"
	MarkerFacts    = "::STEP_2_OK::"
	MarkerBooted   = "::STEP_3_OK::"
	MarkerRecap    = "::STEP_4_OK::"
	MarkerComplete = "::DEPLOY_COMPLETE::"
)

type subjectKind uint8

const (
	kindJob subjectKind = iota + 1
	kindUser
)

// Subject routes events to viewers: either a job's log stream or a user's
// alarm stream. The two kinds map to disjoint topic namespaces.
type Subject struct {
	kind subjectKind
	job  int64
	user string
}

func JobSubject(id int64) Subject {
	return Subject{kind: kindJob, job: id}
}

func UserSubject(name string) Subject {
	return Subject{kind: kindUser, user: name}
}

func (s Subject) IsJob() bool { return s.kind == kindJob }

func (s Subject) Topic() string {
	switch s.kind {
	case kindJob:
		return fmt.Sprintf("logs_%d", s.job)
	case kindUser:
		return "alarms_" + s.user
	default:
		return ""
	}
}

func (s Subject) String() string {
	return s.Topic()
}

const (
	AlarmType    = "real_alarm"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Alarm is the structured notification pushed to a requester when one of
// their jobs finishes.
type Alarm struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

func NewAlarm(level, message string, at time.Time) Alarm {
	return Alarm{
		Type:      AlarmType,
		Timestamp: at.Format("15:04:05"),
		Message:   message,
		Level:     level,
	}
}

func (a Alarm) Encode() string {
	b, _ := json.Marshal(a)
	return string(b)
}
