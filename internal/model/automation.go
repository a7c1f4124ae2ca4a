package model

import (
	"fmt"
	"time"
)

// Feature names an automated job kind that users can enable.
type Feature string

const (
	FeatureAITriggerAnalysis   Feature = "ai_trigger_analysis"
	FeatureWatchlistAutomation Feature = "watchlist_automation"
)

// Features lists every schedulable feature.
var Features = []Feature{FeatureAITriggerAnalysis, FeatureWatchlistAutomation}

// ParseFeature validates a feature name from user input.
func ParseFeature(s string) (Feature, error) {
	for _, f := range Features {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown feature %q", s)
}

// Fingerprint identifies one schedulable job: (userId, feature).
type Fingerprint struct {
	UserID  string
	Feature Feature
}

func (f Fingerprint) String() string {
	return f.UserID + ":" + string(f.Feature)
}

// AutomationConfig is a user's schedule for one feature.
// NextRun is nil until the feature is enabled. After a successful run,
// NextRun == LastRun + Interval.
type AutomationConfig struct {
	UserID   string        `json:"userId"`
	Feature  Feature       `json:"feature"`
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	LastRun  *time.Time    `json:"lastRun,omitempty"`
	NextRun  *time.Time    `json:"nextRun,omitempty"`
}

func (c AutomationConfig) Fingerprint() Fingerprint {
	return Fingerprint{UserID: c.UserID, Feature: c.Feature}
}

// Due reports whether the job should run at now.
func (c AutomationConfig) Due(now time.Time) bool {
	return c.Enabled && c.NextRun != nil && !c.NextRun.After(now)
}

// Advance returns the config after a successful run at now.
func (c AutomationConfig) Advance(now time.Time) AutomationConfig {
	last := now
	next := now.Add(c.Interval)
	c.LastRun = &last
	c.NextRun = &next
	return c
}

// AutomationRun is one handler invocation outcome, kept in the run journal.
type AutomationRun struct {
	UserID    string        `json:"userId"`
	Feature   Feature       `json:"feature"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Status    RunStatus     `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// RunStatus is the outcome of an automation run.
type RunStatus string

const (
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunUncommitted RunStatus = "uncommitted" // handler ok, write-back failed
)
