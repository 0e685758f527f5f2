// CLAUDE:SUMMARY Eligibility gate: four ordered short-circuit predicates deciding whether telemetry may be sent.
// Package gate decides whether this installation may send remote error
// reports to the vendor's logging service.
//
// The decision is an ordered chain of four predicates, cheapest first:
// feature flag, user opt-in, cohort sampling, version currency. The last
// predicate may touch the network (through the version resolver), so the
// chain short-circuits on the first failure and the network is consulted
// only when everything cheaper already passed.
//
// The gate is a total function over its collaborators: it never errors and
// any unavailable or malformed input reads as "not allowed".
package gate

import (
	"context"
	"log/slog"

	version "github.com/hashicorp/go-version"
)

// FeatureRemoteLogging gates all remote error reporting. Ships disabled.
const FeatureRemoteLogging = "remote_logging"

// CohortThreshold is the highest cohort assignment still sampled in.
// Assignments are drawn from [0, 120), so 13/120 of installations report.
const CohortThreshold = 12

// FeatureFlags answers whether a named feature is enabled.
type FeatureFlags interface {
	IsEnabled(ctx context.Context, name string) bool
}

// Settings exposes the installation's telemetry preferences.
type Settings interface {
	// TrackingOptedIn reports the user's explicit consent. Absent means no.
	TrackingOptedIn(ctx context.Context) bool
	// CohortAssignment returns the sampling cohort, 0 when absent.
	CohortAssignment(ctx context.Context) int
}

// VersionSource yields the latest published version. ok is false when
// neither cache nor catalog can answer.
type VersionSource interface {
	LatestVersion(ctx context.Context) (version string, ok bool)
}

// Gate evaluates telemetry eligibility for one installation.
type Gate struct {
	flags    FeatureFlags
	settings Settings
	releases VersionSource
	current  string
	logger   *slog.Logger
}

// Option configures the Gate.
type Option func(*Gate)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate for an installation running currentVersion.
func New(flags FeatureFlags, settings Settings, releases VersionSource, currentVersion string, opts ...Option) *Gate {
	g := &Gate{
		flags:    flags,
		settings: settings,
		releases: releases,
		current:  currentVersion,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// IsAllowed reports whether a remote error report may be sent right now.
// Predicates run in order and the chain stops at the first failure, so the
// version resolver (the only collaborator that may reach the network) is
// consulted last.
func (g *Gate) IsAllowed(ctx context.Context) bool {
	if !g.flags.IsEnabled(ctx, FeatureRemoteLogging) {
		return false
	}
	if !g.settings.TrackingOptedIn(ctx) {
		return false
	}
	if g.settings.CohortAssignment(ctx) > CohortThreshold {
		return false
	}
	latest, ok := g.releases.LatestVersion(ctx)
	if !ok {
		return false
	}
	return versionCurrent(g.current, latest)
}

// Decision is the full predicate breakdown behind one eligibility answer.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	FeatureEnabled   bool   `json:"feature_enabled"`
	OptedIn          bool   `json:"opted_in"`
	CohortAssignment int    `json:"cohort_assignment"`
	CohortEligible   bool   `json:"cohort_eligible"`
	CurrentVersion   string `json:"current_version"`
	LatestVersion    string `json:"latest_version,omitempty"`
	VersionKnown     bool   `json:"version_known"`
	VersionCurrent   bool   `json:"version_current"`
}

// Explain evaluates all four predicates without short-circuiting and returns
// the breakdown. Diagnostic: unlike IsAllowed it may touch the resolver even
// when an earlier predicate already failed. Allowed always equals what
// IsAllowed would return for the same collaborator state.
func (g *Gate) Explain(ctx context.Context) Decision {
	d := Decision{
		FeatureEnabled: g.flags.IsEnabled(ctx, FeatureRemoteLogging),
		OptedIn:        g.settings.TrackingOptedIn(ctx),
		CurrentVersion: g.current,
	}
	d.CohortAssignment = g.settings.CohortAssignment(ctx)
	d.CohortEligible = d.CohortAssignment <= CohortThreshold

	d.LatestVersion, d.VersionKnown = g.releases.LatestVersion(ctx)
	if d.VersionKnown {
		d.VersionCurrent = versionCurrent(g.current, d.LatestVersion)
	}

	d.Allowed = d.FeatureEnabled && d.OptedIn && d.CohortEligible && d.VersionCurrent
	g.logger.Debug("gate: explained",
		"allowed", d.Allowed,
		"feature_enabled", d.FeatureEnabled,
		"opted_in", d.OptedIn,
		"cohort", d.CohortAssignment,
		"version_current", d.VersionCurrent)
	return d
}

// versionCurrent reports whether installed >= latest under dotted version
// ordering. Either side failing to parse reads as not current.
func versionCurrent(installed, latest string) bool {
	iv, err := version.NewVersion(installed)
	if err != nil {
		return false
	}
	lv, err := version.NewVersion(latest)
	if err != nil {
		return false
	}
	return iv.GreaterThanOrEqual(lv)
}
