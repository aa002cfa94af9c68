// Package config loads the sync configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-envconfig"

	"github.com/JohanCodinha/ghnotion/internal/gh"
	"github.com/JohanCodinha/ghnotion/internal/mapper"
	"github.com/JohanCodinha/ghnotion/internal/record"
	"github.com/JohanCodinha/ghnotion/internal/source"
)

// ErrConfiguration marks a missing or invalid setting. It is always
// reported before any network call.
var ErrConfiguration = errors.New("configuration error")

// Config holds the environment settings of one sync run.
type Config struct {
	GitHubToken    string `env:"GITHUB_TOKEN"`
	LegacyToken    string `env:"PERSONAL_GITHUB_ACCESS_KEY"`
	AppID          int64  `env:"GITHUB_APP_ID"`
	InstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	PrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`
	GitHubAPIURL   string `env:"GITHUB_API_URL"` // empty for github.com

	NotionAPIKey         string `env:"NOTION_API_KEY,required"`
	IssueDatabaseID      string `env:"NOTION_ISSUE_DATABASE_ID"`
	DiscussionDatabaseID string `env:"NOTION_DISCUSSION_DATABASE_ID"`
	PRDatabaseID         string `env:"NOTION_PR_DATABASE_ID"`
	SchemaFile           string `env:"NOTION_SCHEMA_FILE"`

	RepoOwner string `env:"REPO_OWNER,required"`
	RepoName  string `env:"REPO_NAME,required"`

	// Merge-status propagation onto linked task pages.
	UpdateStatus   bool   `env:"UPDATE_STATUS_IN_NOTION_DB,default=false"`
	StatusProperty string `env:"STATUS_PROPERTY_NAME,default=Status"`

	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
}

// Load reads the configuration through l. Pass nil to read the process environment.
func Load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &cfg, nil
}

// Repo returns the configured repository.
func (c *Config) Repo() source.Repo {
	return source.Repo{Owner: c.RepoOwner, Name: c.RepoName}
}

// DatabaseID returns the mirror database of kind.
func (c *Config) DatabaseID(kind record.Kind) string {
	switch kind {
	case record.KindIssues:
		return c.IssueDatabaseID
	case record.KindDiscussions:
		return c.DiscussionDatabaseID
	case record.KindPullRequests:
		return c.PRDatabaseID
	default:
		return ""
	}
}

func databaseEnv(kind record.Kind) string {
	switch kind {
	case record.KindIssues:
		return "NOTION_ISSUE_DATABASE_ID"
	case record.KindDiscussions:
		return "NOTION_DISCUSSION_DATABASE_ID"
	default:
		return "NOTION_PR_DATABASE_ID"
	}
}

// Validate checks every enabled kind has a database.
func (c *Config) Validate(kinds []record.Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: no record kinds selected", ErrConfiguration)
	}
	var missing []string
	for _, k := range kinds {
		if c.DatabaseID(k) == "" {
			missing = append(missing, databaseEnv(k))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required value: %v", ErrConfiguration, missing)
	}
	if c.UpdateStatus && c.StatusProperty == "" {
		return fmt.Errorf("%w: UPDATE_STATUS_IN_NOTION_DB requires STATUS_PROPERTY_NAME", ErrConfiguration)
	}
	return nil
}

// Credentials picks the GitHub authentication, in order: GITHUB_TOKEN,
// PERSONAL_GITHUB_ACCESS_KEY, GitHub App credentials, then discover
// (usually gh.DiscoverToken). discover may be nil.
func (c *Config) Credentials(discover func() (string, error)) (gh.Credentials, error) {
	switch {
	case c.GitHubToken != "":
		return gh.Credentials{Token: c.GitHubToken}, nil
	case c.LegacyToken != "":
		return gh.Credentials{Token: c.LegacyToken}, nil
	case c.AppID != 0 || c.InstallationID != 0 || c.PrivateKeyPath != "":
		if c.AppID == 0 || c.InstallationID == 0 || c.PrivateKeyPath == "" {
			return gh.Credentials{}, fmt.Errorf("%w: GitHub App auth needs GITHUB_APP_ID, GITHUB_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY_PATH", ErrConfiguration)
		}
		return gh.Credentials{AppID: c.AppID, InstallationID: c.InstallationID, PrivateKeyPath: c.PrivateKeyPath}, nil
	}
	if discover != nil {
		token, err := discover()
		if err == nil && token != "" {
			return gh.Credentials{Token: token}, nil
		}
		if err != nil {
			return gh.Credentials{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	return gh.Credentials{}, fmt.Errorf("%w: no GitHub token found: set GITHUB_TOKEN", ErrConfiguration)
}

// Schemas returns the property schemas, overlaid with NOTION_SCHEMA_FILE when set.
func (c *Config) Schemas() (mapper.Schemas, error) {
	if c.SchemaFile == "" {
		return mapper.DefaultSchemas(), nil
	}
	s, err := mapper.LoadSchemas(c.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return s, nil
}
