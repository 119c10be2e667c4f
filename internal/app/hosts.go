package app

import (
	"context"
	"fmt"
	"os"

	"github.com/couchbridge/server/internal/service/room"
)

// staticHostResolver serves a single game host from configuration. The full
// pairing and host-enumeration surface lives in an external service; the
// broker only needs an address and the pairing PEMs.
type staticHostResolver struct {
	address        string
	port           uint16
	clientCertPath string
	clientKeyPath  string
	serverCertPath string
}

func (r staticHostResolver) Resolve(_ context.Context, hostID, appID uint32) (room.HostInfo, error) {
	if r.address == "" {
		return room.HostInfo{}, fmt.Errorf("no game host configured for host id %d", hostID)
	}

	info := room.HostInfo{
		Address: r.address,
		Port:    r.port,
		AppName: fmt.Sprintf("App %d", appID),
	}

	var err error
	if info.ClientCertPEM, err = readOptionalPEM(r.clientCertPath); err != nil {
		return room.HostInfo{}, err
	}
	if info.ClientKeyPEM, err = readOptionalPEM(r.clientKeyPath); err != nil {
		return room.HostInfo{}, err
	}
	if info.ServerCertPEM, err = readOptionalPEM(r.serverCertPath); err != nil {
		return room.HostInfo{}, err
	}

	return info, nil
}

func readOptionalPEM(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read pem %q: %w", path, err)
	}

	return string(data), nil
}
