package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapAccount describes one account to provision at startup when
// KEYWARDEN_ACCOUNTS_FILE is set. Accounts already present in the state
// database (matched by email + server) are left untouched.
type BootstrapAccount struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// Region selects the hardcoded server defaults: "us" or "eu".
	// Ignored when BaseURL is set.
	Region string `yaml:"region"`

	// BaseURL points at a self-hosted installation. Endpoint URLs are
	// derived from it unless overridden below.
	BaseURL     string `yaml:"base_url"`
	APIURL      string `yaml:"api_url"`
	IdentityURL string `yaml:"identity_url"`

	// ClientSecret is the captcha bypass for servers that demand one.
	ClientSecret string `yaml:"client_secret"`

	// Headers are appended to every request, after the built-in ones.
	Headers map[string]string `yaml:"headers"`
}

type accountsFile struct {
	Accounts []BootstrapAccount `yaml:"accounts"`
}

// LoadAccountsFile parses the YAML accounts bootstrap file.
func LoadAccountsFile(path string) ([]BootstrapAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}

	for i, acct := range f.Accounts {
		if acct.Email == "" {
			return nil, fmt.Errorf("accounts[%d]: email is required", i)
		}

		if acct.Password == "" {
			return nil, fmt.Errorf("accounts[%d]: password is required", i)
		}

		if acct.Region != "" && acct.Region != "us" && acct.Region != "eu" {
			return nil, fmt.Errorf("accounts[%d]: unknown region %q", i, acct.Region)
		}
	}

	return f.Accounts, nil
}
