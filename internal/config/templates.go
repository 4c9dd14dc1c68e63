package config

import (
	"fmt"
	"os"
)

// Template is a commented starting configuration.
const Template = `# camctl device configuration
device_id = "camlink"
storage_root = "local/sd"
firmware_dir = "local/firmware"
# capture_dir = "local/capture"

tick = "10ms"
partial_timeout = "1s"
command_timeout = "3s"
max_payload = 16384
receive_queue = 8
send_retry_attempts = 255
send_retry_delay = "10ms"
heartbeat = "30s"

[ap]
enabled = true
addr = ":1879"
queue = 64

[ble]
enabled = false
name = "camlink"
mtu = 247
queue = 8

[rfcomm]
enabled = false
port = "/dev/rfcomm0"
baud = 115200
queue = 8

[admin]
addr = "127.0.0.1:8080"
cors_origins = []
# token = "change-me"

[events]
# nats_url = "nats://127.0.0.1:4222"
subject = "camlink.events"
`

// WriteTemplate writes Template to path unless a file exists there and
// overwrite is false.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
