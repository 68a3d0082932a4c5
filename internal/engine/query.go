package engine

import (
	"context"
	"strings"
	"time"

	"flowrequest/internal/domain"
	"flowrequest/internal/repo"
)

// Views and buckets of the flow dashboard.
const (
	ViewMine = "mine"
	ViewTeam = "team"

	BucketToAction = "to_action"
	BucketActive   = "active"
	BucketArchive  = "archive"
	BucketAll      = "all"
)

// ListOptions filter the dashboard. View selects whose perspective the
// buckets use; Search matches title and description case-insensitively.
type ListOptions struct {
	ViewerID string
	View     string
	Bucket   string
	Search   string
	Limit    int
}

// ListFlows returns the viewer's dashboard slice. In the "mine" view the
// viewer is the creator and to_action means a reply awaits their review; in
// the "team" view the viewer is an assignee and to_action means they still
// owe an answer on at least one task.
func (e Engine) ListFlows(ctx context.Context, opts ListOptions) ([]domain.Flow, error) {
	if opts.View == "" {
		opts.View = ViewMine
	}
	if opts.Bucket == "" {
		opts.Bucket = BucketAll
	}
	filters := repo.FlowFilters{Limit: opts.Limit}
	switch opts.View {
	case ViewMine:
		filters.CreatorID = opts.ViewerID
	case ViewTeam:
		filters.AssigneeID = opts.ViewerID
	}
	flows, err := e.Repo.ListFlows(ctx, filters)
	if err != nil {
		return nil, err
	}

	var out []domain.Flow
	for _, f := range flows {
		if !matchesSearch(f, opts.Search) {
			continue
		}
		if !inBucket(f, opts.Bucket, opts.View, opts.ViewerID) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func inBucket(f domain.Flow, bucket, view, viewerID string) bool {
	switch bucket {
	case BucketAll:
		return true
	case BucketArchive:
		return f.Status == domain.FlowCompleted
	case BucketActive:
		return f.Status == domain.FlowActive
	case BucketToAction:
		if view == ViewTeam {
			for _, s := range f.SubRequests {
				if s.AssigneeID != viewerID {
					continue
				}
				if s.Status != domain.SubDone && s.Status != domain.SubNeedsReview {
					return true
				}
			}
			return false
		}
		for _, s := range f.SubRequests {
			if s.Status == domain.SubNeedsReview {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesSearch(f domain.Flow, search string) bool {
	search = strings.TrimSpace(strings.ToLower(search))
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(f.Title), search) ||
		strings.Contains(strings.ToLower(f.Description), search)
}

// IsStale reports whether the flow warrants a nudge for this viewer: still
// ACTIVE, older than the staleness window, and the viewer is the creator.
// Staleness is recomputed per render and never stored.
func (e Engine) IsStale(f domain.Flow, viewerID string, now time.Time) bool {
	if f.Status != domain.FlowActive || f.CreatorID != viewerID {
		return false
	}
	created, err := time.Parse(time.RFC3339, f.CreatedAt)
	if err != nil {
		return false
	}
	window := time.Duration(e.Config.Staleness.Hours) * time.Hour
	return now.Sub(created) >= window
}
