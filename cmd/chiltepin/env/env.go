// Package env reads settings of the chiltepin command from environment
// variables and the env file <home>/.chiltepin/env .
package env

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/opst/chiltepin/pkg/auth/tokens"
	xe "github.com/opst/chiltepin/pkg/errors"
)

const (
	Home          = "CHILTEPIN_HOME"
	Agent         = "CHILTEPIN_AGENT"
	ConfigRoot    = "CHILTEPIN_CONFIG_ROOT"
	TransferURL   = "CHILTEPIN_TRANSFER_URL"
	ComputeURL    = "CHILTEPIN_COMPUTE_URL"
	ComputeToken  = "CHILTEPIN_COMPUTE_TOKEN"
	TransferToken = "CHILTEPIN_TRANSFER_TOKEN"
	MonitorDB     = "CHILTEPIN_MONITOR_DB"

	// FileName of the env file in <home>/.chiltepin/ .
	FileName = "env"
)

type Env struct {
	// Home is where .chiltepin/ is. The home directory of the user by default.
	Home string

	// Agent is the path of the endpoint agent command.
	Agent string

	// ConfigRoot is the directory of endpoints.
	ConfigRoot string

	TransferURL string
	ComputeURL  string

	// ComputeToken and TransferToken are access tokens given to login.
	ComputeToken  string
	TransferToken string

	// MonitorDB is the URL of the PostgreSQL database of the monitor.
	MonitorDB string
}

// Load reads the env file and then environment variables.
//
// Variables set in the environment win over the file. A missing file is
// not an error.
func Load() (Env, error) {
	home := os.Getenv(Home)
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return Env{}, xe.Wrap(err)
		}
		home = h
	}

	path := filePath(home)
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Env{}, xe.Kinded(xe.ErrConfigParse, "%s: %s", path, err)
	}

	return Env{
		Home:          home,
		Agent:         os.Getenv(Agent),
		ConfigRoot:    os.Getenv(ConfigRoot),
		TransferURL:   os.Getenv(TransferURL),
		ComputeURL:    os.Getenv(ComputeURL),
		ComputeToken:  os.Getenv(ComputeToken),
		TransferToken: os.Getenv(TransferToken),
		MonitorDB:     os.Getenv(MonitorDB),
	}, nil
}

func filePath(home string) string {
	return filepath.Join(home, tokens.DirName, FileName)
}

// FilePath is the path of the env file.
func (e Env) FilePath() string {
	return filePath(e.Home)
}

// TokenStore is the token store in Home.
func (e Env) TokenStore() *tokens.Store {
	return tokens.New(filepath.Join(e.Home, tokens.DirName, tokens.FileName))
}
