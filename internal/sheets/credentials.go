package sheets

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	appLog "slotbot/internal/log"
)

// LoadCredentials returns the service account JSON key. The environment
// variable envVar wins when set; otherwise the key is read from path.
//
// Keys pasted into environment variables often carry the private key's
// newlines as literal "\n" sequences; those are turned back into newlines.
func LoadCredentials(envVar, path string) ([]byte, error) {
	if envVar != "" {
		if raw := os.Getenv(envVar); strings.TrimSpace(raw) != "" {
			appLog.Info("sheets credentials from environment", "env", envVar)
			return fixPrivateKey([]byte(raw))
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no sheets credentials: %s unset and no credentials file configured", envVar)
	}
	appLog.Info("sheets credentials from file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sheets credentials: %w", err)
	}
	return data, nil
}

func fixPrivateKey(data []byte) ([]byte, error) {
	var key map[string]any
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parsing sheets credentials: %w", err)
	}
	pk, ok := key["private_key"].(string)
	if !ok || !strings.Contains(pk, `\n`) {
		return data, nil
	}
	key["private_key"] = strings.ReplaceAll(pk, `\n`, "\n")
	return json.Marshal(key)
}
