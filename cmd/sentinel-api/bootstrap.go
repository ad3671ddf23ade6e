package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/Njanja2025/sentinel/internal/engine"
	"github.com/Njanja2025/sentinel/internal/identity"
)

// bootstrapAdmin creates the first administrator so a fresh deployment has
// someone able to log in. Runs with the "system" actor because no session
// exists yet.
func bootstrapAdmin(ctx context.Context, eng *engine.Engine, spec string) error {
	username, credential, ok := strings.Cut(spec, ":")
	if !ok || strings.TrimSpace(username) == "" || credential == "" {
		return fmt.Errorf("expected username:credential, got %q", spec)
	}
	u, err := eng.Identity.CreateUser(ctx, "system", username, identity.RoleAdmin, credential)
	if err != nil {
		return err
	}
	fmt.Printf("created admin %s (id %s)\n", u.Username, u.ID)
	return nil
}
