package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agenticwork/activitycore/pkg/store"
)

// builtinDefaultContent seeds single-node deployments that have not
// configured a prompt yet.
const builtinDefaultContent = "You are a helpful assistant."

// EnsureDefault verifies an active default template exists before the server
// accepts requests. With seed set (local deployments) a missing default is
// created from the built-in prompt; without it the error wraps
// ErrNotConfigured so the caller can refuse to start.
func EnsureDefault(ctx context.Context, st store.Store, seed bool) error {
	def, err := st.DefaultTemplate(ctx)
	if err == nil {
		if strings.EqualFold(def.Category, "admin") {
			return fmt.Errorf("%w: default template %q is admin-categorized", ErrNotConfigured, def.ID)
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check default template: %w", err)
	}
	if !seed {
		return fmt.Errorf("%w: no active default template", ErrNotConfigured)
	}
	slog.Info("No default template found, seeding the built-in default")
	return st.SaveTemplate(ctx, store.Template{
		ID:        "default",
		Name:      "Default",
		Category:  "default",
		Content:   builtinDefaultContent,
		IsDefault: true,
		IsActive:  true,
	})
}
