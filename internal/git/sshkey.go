package git

import (
	"fmt"
	"os"
)

// sshEnv materializes the private key into an ephemeral 0600 file and returns
// the GIT_SSH_COMMAND environment plus a cleanup function. The key file lives
// only for the duration of one git operation; callers must invoke cleanup on
// every exit path. An empty key yields no extra environment.
func sshEnv(privateKey string) (env []string, cleanup func(), err error) {
	if privateKey == "" {
		return nil, func() {}, nil
	}

	f, err := os.CreateTemp("", "codeharbor-key-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create key file: %w", err)
	}
	path := f.Name()

	remove := func() { _ = os.Remove(path) }

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		remove()
		return nil, nil, fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := f.WriteString(privateKey); err != nil {
		_ = f.Close()
		remove()
		return nil, nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		remove()
		return nil, nil, fmt.Errorf("close key file: %w", err)
	}

	sshCommand := fmt.Sprintf(
		"ssh -i %s -o IdentityAgent=none -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null",
		path,
	)
	return []string{"GIT_SSH_COMMAND=" + sshCommand}, remove, nil
}
