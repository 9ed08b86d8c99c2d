package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"productline/internal/config"
	"productline/internal/db"
	"productline/internal/engine"
	"productline/internal/migrate"
	"productline/internal/repo"
)

// Workspace bundles everything a command needs: an open database, the
// workspace config and an engine built from both.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// OpenWorkspace ensures the workspace exists, opens and migrates its
// database and loads productline.yml (defaults when absent).
func OpenWorkspace(workspace string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// ResolveProduct picks the product a command operates on. An explicit
// override wins; otherwise the workspace must contain exactly one product.
func ResolveProduct(ctx context.Context, productOverride string, r repo.Repo) (string, error) {
	if id := strings.TrimSpace(productOverride); id != "" {
		if _, err := r.GetProduct(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	p, err := r.SingleProduct(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("product not specified; use --product")
		}
		return "", err
	}
	return p.ID, nil
}
