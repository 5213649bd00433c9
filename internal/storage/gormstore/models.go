package gormstore

import (
	"time"

	"github.com/vibrouter/router/pkg/core"
	"gorm.io/datatypes"
)

// SessionParams are the operator controls in effect when a session started.
type SessionParams struct {
	Multiplier float64 `json:"multiplier"`
	Baseline   float64 `json:"baseline"`
}

// Session is the database row for one attachment.
type Session struct {
	ID        uint      `gorm:"primarykey"`
	Pid       int       `gorm:"index"`
	Channel   string    `gorm:"size:64"`
	StartTime time.Time `gorm:"index"`
	EndTime   *time.Time
	EndReason string `gorm:"size:32"`
	Params    datatypes.JSONType[SessionParams]
}

func (Session) TableName() string {
	return "sessions"
}

// Sample is the database row for one vibration sample.
type Sample struct {
	ID        uint      `gorm:"primarykey"`
	SessionID uint      `gorm:"index"`
	Time      time.Time `gorm:"index"`
	Left      int32     `gorm:"column:left_speed"`
	Right     int32     `gorm:"column:right_speed"`
	Average   float64
}

func (Sample) TableName() string {
	return "samples"
}

// Models lists every table migrated on Init.
var Models = []any{
	&Session{},
	&Sample{},
}

func sessionFromCore(s *core.Session) Session {
	row := Session{
		ID:        s.ID,
		Pid:       s.Pid,
		Channel:   s.Channel,
		StartTime: s.StartTime,
		EndReason: string(s.EndReason),
		Params: datatypes.NewJSONType(SessionParams{
			Multiplier: s.Multiplier,
			Baseline:   s.Baseline,
		}),
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		row.EndTime = &end
	}
	return row
}

func (s Session) toCore() core.Session {
	params := s.Params.Data()
	out := core.Session{
		ID:         s.ID,
		Pid:        s.Pid,
		Channel:    s.Channel,
		StartTime:  s.StartTime,
		EndReason:  core.DetachReason(s.EndReason),
		Multiplier: params.Multiplier,
		Baseline:   params.Baseline,
	}
	if s.EndTime != nil {
		out.EndTime = *s.EndTime
	}
	return out
}

func sampleFromCore(rec *core.SampleRecord) Sample {
	return Sample{
		SessionID: rec.SessionID,
		Time:      rec.Time,
		Left:      int32(rec.Vibration.LeftMotorSpeed),
		Right:     int32(rec.Vibration.RightMotorSpeed),
		Average:   rec.Vibration.Average(),
	}
}
