package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"agentmarket/internal/artifacts"
	"agentmarket/internal/config"
	"agentmarket/internal/engine"
	"agentmarket/internal/oracle"
)

// NewEngine builds an engine whose oracle, poster generator and artifact
// store follow the config. Secrets are read from the environment variables
// the config names.
func NewEngine(conn *sql.DB, cfg *config.Config, workspace string, logger *slog.Logger) (engine.Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}

	switch cfg.Evaluation.Oracle.Kind {
	case "", "threshold":
	case "http":
		o := cfg.Evaluation.Oracle
		eng.PosterJudge = oracle.HTTPJudge{
			URL:    o.URL,
			APIKey: envOrEmpty(o.APIKeyEnv),
			Client: &http.Client{Timeout: timeout(o.TimeoutSeconds, 60)},
		}
	default:
		return eng, fmt.Errorf("unknown oracle kind %q", cfg.Evaluation.Oracle.Kind)
	}

	switch cfg.Posters.Generator.Kind {
	case "", "local":
	case "http":
		g := cfg.Posters.Generator
		eng.Posters = oracle.HTTPPosterGenerator{
			URL:    g.URL,
			APIKey: envOrEmpty(g.APIKeyEnv),
			Client: &http.Client{Timeout: timeout(g.TimeoutSeconds, 120)},
		}
	default:
		return eng, fmt.Errorf("unknown poster generator kind %q", cfg.Posters.Generator.Kind)
	}

	a := cfg.Posters.Artifacts
	switch a.Backend {
	case "", "file":
		dir := a.Dir
		if dir == "" {
			dir = filepath.Join(".market", "artifacts")
		}
		if !filepath.IsAbs(dir) && workspace != "" {
			dir = filepath.Join(workspace, dir)
		}
		eng.Artifacts = artifacts.FileStore{Dir: dir, BaseURL: a.PublicBaseURL}
	case "minio":
		store, err := artifacts.NewMinIOStore(artifacts.MinIOOptions{
			Endpoint:  a.MinIOEndpoint,
			Bucket:    a.MinIOBucket,
			AccessKey: envOrEmpty(a.MinIOAccessEnv),
			SecretKey: envOrEmpty(a.MinIOSecretEnv),
			UseSSL:    a.MinIOUseSSL,
			BaseURL:   a.PublicBaseURL,
		})
		if err != nil {
			return eng, fmt.Errorf("minio artifact store: %w", err)
		}
		eng.Artifacts = store
	default:
		return eng, fmt.Errorf("unknown artifact backend %q", a.Backend)
	}
	return eng, nil
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func timeout(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
