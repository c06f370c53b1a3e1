package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== vaultd configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Fprint(w.out, "Data directory [~/.vaultd]: ")
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir

	for {
		fmt.Fprintf(w.out, "Gateway port [%d]: ", cfg.Gateway.Port)
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if raw == "" {
			break
		}
		port, convErr := strconv.Atoi(raw)
		if convErr == nil {
			convErr = validator.ValidatePort(port)
		}
		if convErr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", convErr)
			continue
		}
		cfg.Gateway.Port = port
		break
	}

	fmt.Fprint(w.out, "Gateway shared secret (press Enter to generate): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if secret == "" || validator.ValidateSharedSecret(secret) != nil {
		if secret != "" {
			fmt.Fprintln(w.out, "Warning: secret too short, generating one")
		}
		secret, err = generateSecret()
		if err != nil {
			return nil, err
		}
	}
	cfg.Gateway.SharedSecret = secret

	for {
		fmt.Fprint(w.out, "OpenAI API key for semantic search (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Index.Embeddings.Provider = "openai"
		cfg.Index.Embeddings.APIKey = key
		break
	}

	fmt.Fprint(w.out, "Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate shared secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
