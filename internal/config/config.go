package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/engine"
	"spira-tfs-sync/internal/processors"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Spira  spira.Config
	TFS    tfs.Config
	Engine engine.Options

	DataPath string
	LogDir   string
	StateDir string
}

// Load loads the configuration from .env files and environment variables.
func Load() (*AppConfig, error) {
	// 1. Try to load from the executable's directory (highest priority when
	// running as a scheduled job with an arbitrary working directory)
	exePath, err := os.Executable()
	exeDir := ""
	if err == nil {
		exeDir = filepath.Dir(exePath)
		envPath := filepath.Join(exeDir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded configuration from binary directory")
		}
	}

	// 2. Fallback to current working directory (useful for development/go run)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found in working directory, relying on environment variables or binary-relative .env")
	}

	// 3. Resolve data paths
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		if exeDir != "" {
			dataPath = exeDir
		} else {
			dataPath = "."
		}
	}

	logDir := filepath.Join(dataPath, "logs")
	stateDir := filepath.Join(dataPath, "state")

	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Warn().Err(err).Str("path", logDir).Msg("Failed to create log directory")
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Warn().Err(err).Str("path", stateDir).Msg("Failed to create state directory")
	}

	plugInID, _ := strconv.Atoi(getEnv("PLUGIN_ID", "0"))
	offsetHours, _ := strconv.Atoi(getEnv("TIME_OFFSET_HOURS", "0"))

	cfg := &AppConfig{
		Spira: spira.Config{
			BaseURL:  getEnv("SPIRA_URL", ""),
			Login:    getEnv("SPIRA_LOGIN", ""),
			Password: getEnv("SPIRA_PASSWORD", ""),
			PlugInID: plugInID,
		},
		TFS: tfs.Config{
			CollectionURL: getEnv("TFS_COLLECTION_URL", ""),
			Login:         getEnv("TFS_LOGIN", ""),
			Password:      getEnv("TFS_PASSWORD", ""),
			Domain:        getEnv("TFS_DOMAIN", ""),
		},
		Engine: engine.Options{
			AutoMapUsers: getEnvBool("AUTO_MAP_USERS", false),
			Processors: processors.Options{
				TimeOffsetHours:            offsetHours,
				ArtifactIDField:            getEnv("ARTIFACT_ID_TFS_FIELD", ""),
				OpenerField:                getEnv("OPENER_TFS_FIELD", ""),
				TaskTypes:                  getEnvList("TASK_WORK_ITEM_TYPES", "Task"),
				RequirementTypes:           getEnvList("REQUIREMENT_WORK_ITEM_TYPES", "User Story,Product Backlog Item"),
				TaskCustomPropsUseTaskType: getEnvBool("TASK_CUSTOM_PROPS_USE_TASK_TYPE", false),
			},
		},
		DataPath: dataPath,
		LogDir:   logDir,
		StateDir: stateDir,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var missing []string
	if c.Spira.BaseURL == "" {
		missing = append(missing, "SPIRA_URL")
	}
	if c.Spira.Login == "" {
		missing = append(missing, "SPIRA_LOGIN")
	}
	if c.Spira.Password == "" {
		missing = append(missing, "SPIRA_PASSWORD")
	}
	if c.TFS.CollectionURL == "" {
		missing = append(missing, "TFS_COLLECTION_URL")
	}
	if c.TFS.Login == "" {
		missing = append(missing, "TFS_LOGIN")
	}
	if c.TFS.Password == "" {
		missing = append(missing, "TFS_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvList splits a comma-separated value, trimming whitespace around each
// item and dropping empty ones.
func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
