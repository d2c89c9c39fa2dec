// Package prompt resolves the system prompt for a request. Resolution order
// is fixed: administrator gate, semantic similarity, explicit user
// assignment, group assignment, default template. Templates categorized
// "admin" are security-gated and never reach a non-administrator on any
// path.
package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/embedders"
	"github.com/agenticwork/activitycore/pkg/store"
	"github.com/agenticwork/activitycore/pkg/vectordb"
)

// Source says which resolution step produced the prompt.
type Source string

const (
	SourceAdmin    Source = "admin"
	SourceSemantic Source = "semantic"
	SourceUser     Source = "user"
	SourceGroup    Source = "group"
	SourceDefault  Source = "default"
)

// ErrNotConfigured means no default template exists; the router refuses to
// guess a prompt.
var ErrNotConfigured = errors.New("prompt: not configured")

// ErrRoutingFailed means semantic routing is required by configuration and
// failed; there is no silent fallback.
var ErrRoutingFailed = errors.New("prompt: routing failed")

// Resolution is a resolved system prompt.
type Resolution struct {
	Content  string
	Template *store.Template
	Source   Source
}

// Router resolves prompts against the store and, when configured, the
// vector index. Safe for concurrent use.
type Router struct {
	cfg      config.RoutingConfig
	store    store.Store
	vectors  vectordb.Provider
	embedder embedders.Embedder

	cache  *resolutionCache
	flight singleflight.Group
}

// NewRouter wires the router. vectors and embedder may be nil when semantic
// routing is disabled.
func NewRouter(cfg config.RoutingConfig, st store.Store, vectors vectordb.Provider, embedder embedders.Embedder) *Router {
	return &Router{
		cfg:      cfg,
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		cache:    newResolutionCache(cfg.CacheTTL),
	}
}

// Resolve returns the system prompt for (user, message, groups). Concurrent
// misses for the same key share one resolution.
func (r *Router) Resolve(ctx context.Context, userID, message string, groups []string) (*Resolution, error) {
	key := cacheKey(userID, message)
	if res, ok := r.cache.get(key); ok {
		return res, nil
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		if res, ok := r.cache.get(key); ok {
			return res, nil
		}
		res, err := r.resolve(ctx, userID, message, groups)
		if err != nil {
			return nil, err
		}
		r.cache.put(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

// InvalidateTemplates drops every cached resolution. Called on any template
// change, including the default.
func (r *Router) InvalidateTemplates() { r.cache.clear() }

// InvalidateUser drops the cached resolutions of one user. Called when an
// assignment changes.
func (r *Router) InvalidateUser(userID string) { r.cache.dropUser(userID) }

func (r *Router) resolve(ctx context.Context, userID, message string, groups []string) (*Resolution, error) {
	// Step 1: administrator gate.
	res, err := r.adminGate(ctx, userID, groups)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	// Step 2: semantic similarity.
	if r.semanticEnabled() && message != "" {
		res, err := r.semantic(ctx, userID, message)
		switch {
		case err != nil && r.cfg.SemanticRouting == config.SemanticRequired:
			return nil, fmt.Errorf("%w: %v", ErrRoutingFailed, err)
		case err != nil:
			slog.Warn("Semantic routing failed, falling through", "user", userID, "error", err)
		case res != nil:
			return res, nil
		}
	}

	// Step 3: explicit user assignment.
	if res, err := r.assigned(ctx, userID, SourceUser); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	// Step 4: group assignment, most recent wins.
	if res, err := r.groupAssigned(ctx, groups); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	// Step 5: the default template.
	def, err := r.store.DefaultTemplate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no default template", ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default template: %w", err)
	}
	if strings.EqualFold(def.Category, "admin") {
		return nil, fmt.Errorf("%w: default template %q is admin-categorized", ErrNotConfigured, def.ID)
	}
	return &Resolution{Content: def.Content, Template: def, Source: SourceDefault}, nil
}

func (r *Router) semanticEnabled() bool {
	return r.cfg.SemanticRouting != config.SemanticDisabled &&
		r.cfg.SemanticRouting != "" &&
		r.vectors != nil && r.embedder != nil
}

// adminGate returns the admin template when the user is an administrator. A
// missing admin template for an administrator is a configuration error, not
// a fallback.
func (r *Router) adminGate(ctx context.Context, userID string, groups []string) (*Resolution, error) {
	u, err := r.store.User(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		u = &store.UserInfo{ID: userID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load user %q: %w", userID, err)
	}

	if !u.IsAdmin && !r.inAdminGroup(u.Groups) && !r.inAdminGroup(groups) {
		return nil, nil
	}

	tpl, err := r.store.TemplateByName(ctx, r.cfg.AdminTemplateName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: administrator template %q is missing", ErrNotConfigured, r.cfg.AdminTemplateName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load administrator template: %w", err)
	}
	return &Resolution{Content: tpl.Content, Template: tpl, Source: SourceAdmin}, nil
}

func (r *Router) inAdminGroup(groups []string) bool {
	for _, g := range groups {
		for _, admin := range r.cfg.AdminGroups {
			if g == admin {
				return true
			}
		}
	}
	return false
}

// semantic embeds the message and takes the best hit above the threshold,
// skipping admin-categorized templates regardless of score.
func (r *Router) semantic(ctx context.Context, userID, message string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SemanticDeadline)
	defer cancel()

	vector, err := r.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	hits, err := r.vectors.Search(ctx, r.cfg.Collection, vector, r.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	for _, hit := range hits {
		if float64(hit.Score) < r.cfg.ScoreThreshold {
			continue
		}
		if strings.EqualFold(metaString(hit.Metadata, "category"), "admin") {
			continue
		}
		if scope := metaString(hit.Metadata, "user_id"); scope != "" && scope != userID {
			continue
		}

		tpl, err := r.templateByID(ctx, hit.ID)
		if err != nil {
			return nil, err
		}
		if tpl == nil || !tpl.IsActive {
			continue
		}
		// The index may lag behind a recategorization.
		if strings.EqualFold(tpl.Category, "admin") {
			continue
		}
		return &Resolution{Content: tpl.Content, Template: tpl, Source: SourceSemantic}, nil
	}
	return nil, nil
}

func (r *Router) templateByID(ctx context.Context, id string) (*store.Template, error) {
	templates, err := r.store.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	for i := range templates {
		if templates[i].ID == id {
			return &templates[i], nil
		}
	}
	return nil, nil
}

func (r *Router) assigned(ctx context.Context, userID string, source Source) (*Resolution, error) {
	a, err := r.store.UserAssignment(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user assignment: %w", err)
	}
	return r.assignmentResolution(ctx, a, source)
}

func (r *Router) groupAssigned(ctx context.Context, groups []string) (*Resolution, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	a, err := r.store.GroupAssignment(ctx, groups)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group assignment: %w", err)
	}
	return r.assignmentResolution(ctx, a, SourceGroup)
}

func (r *Router) assignmentResolution(ctx context.Context, a *store.Assignment, source Source) (*Resolution, error) {
	tpl, err := r.templateByID(ctx, a.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || !tpl.IsActive {
		// Stale assignment; the next step decides.
		return nil, nil
	}
	// Only the administrator gate may hand out admin-categorized templates,
	// no matter who wrote the assignment.
	if strings.EqualFold(tpl.Category, "admin") {
		slog.Warn("Skipping admin-categorized template on assignment path",
			"template", tpl.ID, "source", source)
		return nil, nil
	}
	return &Resolution{Content: tpl.Content, Template: tpl, Source: source}, nil
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func cacheKey(userID, message string) string {
	sum := sha256.Sum256([]byte(message))
	return userID + "\x00" + hex.EncodeToString(sum[:])
}
