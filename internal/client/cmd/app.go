package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lanbeam/lanbeam/internal/client/engine"
	"github.com/lanbeam/lanbeam/internal/client/history"
	"github.com/lanbeam/lanbeam/internal/client/session"
	"github.com/lanbeam/lanbeam/internal/logger"
)

// app bundles the session, engine and journal a command needs. Identity is
// persisted under ~/.lanbeam so the hub sees the same device across runs.
type app struct {
	deviceID string
	session  *session.Client
	engine   *engine.Engine
	journal  *history.Journal
}

type appOptions struct {
	save          engine.SaveHandler
	onStateChange func(transferID, state string)
	onProgress    func(transferID string, progress int)
}

func newApp(opts appOptions) (*app, error) {
	log := logger.NewLogger()

	stateDir, err := stateDir()
	if err != nil {
		return nil, err
	}
	deviceID, err := loadDeviceID(stateDir)
	if err != nil {
		return nil, err
	}
	journal, err := history.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return nil, err
	}

	name := deviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	sess := session.NewClient(wsURL(hubURL), session.Device{
		ID:   deviceID,
		Name: name,
		Type: "laptop",
	}, log)

	eng := engine.New(engine.Options{
		DeviceID:      deviceID,
		Signaler:      sess,
		Relay:         engine.NewRelayClient(hubURL),
		Save:          opts.save,
		Logger:        log,
		Journal:       journal,
		OnStateChange: opts.onStateChange,
		OnProgress:    opts.onProgress,
	})
	sess.OnEngineMessage(eng.HandleMessage)

	return &app{
		deviceID: deviceID,
		session:  sess,
		engine:   eng,
		journal:  journal,
	}, nil
}

func (a *app) close() {
	a.session.Close()
	a.journal.Close()
}

func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home dir: %w", err)
	}
	dir := filepath.Join(home, ".lanbeam")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func loadDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

func wsURL(base string) string {
	url := strings.TrimSuffix(base, "/")
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}
