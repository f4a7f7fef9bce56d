package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "host":
		return hostTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `listen_addr = ":14192"
admin_addr = ":9610"

[tls]
enabled = false
cert_file = ""
key_file = ""

[parent]
url = "modality-mutation://127.0.0.1:14192"
allow_insecure_tls = false
auth_token_file = "/etc/mutationplane/token"

[broker]
request_buffer = 16
rootwards_buffer = 256
leafwards_buffer = 64

[limits]
max_message_bytes = 8388608
`

const hostTemplate = `[parent]
url = "modality-mutation://127.0.0.1:14192"
allow_insecure_tls = false
auth_token_file = "/etc/mutationplane/token"

[admin]
addr = ":9611"
api_key = "change-me"

[limits]
max_message_bytes = 8388608
`
