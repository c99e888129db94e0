package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
)

const DefaultTimeout = 2 * time.Second

var _ spacekeeper.ModeListener = (*Environment)(nil)

// Environment reports the replication role of the space instance to the
// Fly.io machine metadata API.
type Environment struct {
	HTTPClient *http.Client

	Timeout time.Duration
}

func NewEnvironment() *Environment {
	return &Environment{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", "/.fly/api")
				},
			},
		},
		Timeout: DefaultTimeout,
	}
}

func (e *Environment) Type() string { return "fly.io" }

// BeforeModeChange never rejects a transition.
func (e *Environment) BeforeModeChange(ctx context.Context, newMode spacekeeper.Mode) error {
	return nil
}

// AfterModeChange publishes the new role. Failures are only logged.
func (e *Environment) AfterModeChange(ctx context.Context, newMode spacekeeper.Mode) {
	if newMode == spacekeeper.ModeNone {
		return
	}
	if err := e.SetPrimaryStatus(ctx, newMode == spacekeeper.ModePrimary); err != nil {
		slog.Info("cannot set primary status on host environment", slog.Any("err", err))
	}
}

func (e *Environment) SetPrimaryStatus(ctx context.Context, isPrimary bool) error {
	appName := AppName()
	if appName == "" {
		slog.Info("cannot set primary status on host environment", slog.String("reason", "app name unavailable"))
		return nil
	}

	machineID := MachineID()
	if machineID == "" {
		slog.Info("cannot set primary status on host environment", slog.String("reason", "machine id unavailable"))
		return nil
	}

	role := "backup"
	if isPrimary {
		role = "primary"
	}

	reqBody, err := json.Marshal(postMetadataRequest{
		Value: role,
	})
	if err != nil {
		return fmt.Errorf("marshal metadata request body: %w", err)
	}

	u := url.URL{
		Scheme: "http",
		Host:   "localhost",
		Path:   path.Join("/v1", "apps", appName, "machines", machineID, "metadata", "role"),
	}
	req, err := http.NewRequest("POST", u.String(), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("cannot set machine metadata: code=%d", resp.StatusCode)
	}
}

type postMetadataRequest struct {
	Value string `json:"value"`
}

// Available returns true if currently running in a Fly.io environment.
func Available() bool { return AppName() != "" }

// AppName returns the name of the current Fly.io application.
func AppName() string {
	return os.Getenv("FLY_APP_NAME")
}

// MachineID returns the identifier for the current Fly.io machine.
func MachineID() string {
	return os.Getenv("FLY_MACHINE_ID")
}
