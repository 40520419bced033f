package duplication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"
)

// xdg-desktop-portal names
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// ScreenCast option values
const (
	sourceTypeMonitor   uint32 = 1 << 0
	cursorModeHidden    uint32 = 1 << 0
	persistModeSession  uint32 = 2
	selectSourceTimeout        = 60 * time.Second
	requestTimeout             = 30 * time.Second
)

var tokenCounter atomic.Uint32

// Portal negotiates a ScreenCast session and hands back the PipeWire node
// to read from. The restore token is persisted so the share dialog only
// appears once.
type Portal struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	restoreToken  string
	tokenPath     string
}

// NewPortal connects to the session bus
func NewPortal() (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	p := &Portal{conn: conn, tokenPath: tokenPath()}
	p.restoreToken = loadRestoreToken(p.tokenPath)
	return p, nil
}

func tokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.Getenv("HOME")
	}
	return filepath.Join(dir, "framefeed", "portal_token.yaml")
}

// StartScreenShare runs CreateSession, SelectSources and Start and
// returns the first stream's node id
func (p *Portal) StartScreenShare(ctx context.Context) (uint32, error) {
	log := logger.WithComponent("portal")

	results, err := p.request(ctx, requestTimeout, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(handleToken("session")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	session, err := sessionHandle(results)
	if err != nil {
		return 0, err
	}
	p.sessionHandle = session
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	opts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(sourceTypeMonitor),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(cursorModeHidden),
		"persist_mode": dbus.MakeVariant(persistModeSession),
	}
	if p.restoreToken != "" {
		opts["restore_token"] = dbus.MakeVariant(p.restoreToken)
	}
	log.Info().Msg("Waiting for source selection (the share dialog may appear)")
	if _, err := p.request(ctx, selectSourceTimeout, "SelectSources", opts, session); err != nil {
		return 0, fmt.Errorf("failed to select sources: %w", err)
	}

	results, err = p.request(ctx, requestTimeout, "Start", map[string]dbus.Variant{}, session, "")
	if err != nil {
		return 0, fmt.Errorf("failed to start session: %w", err)
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != p.restoreToken {
			p.restoreToken = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				log.Warn().Err(err).Msg("Failed to save restore token")
			}
		}
	}

	node, err := parseNodeID(results["streams"].Value())
	if err != nil {
		return 0, err
	}
	log.Info().Uint32("node_id", node).Msg("Screen sharing started")
	return node, nil
}

// request calls a ScreenCast method and waits for the matching Response
// signal. args are passed before the options map.
func (p *Portal) request(ctx context.Context, timeout time.Duration, method string, opts map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	opts["handle_token"] = dbus.MakeVariant(handleToken(method))

	rule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to add match rule")
	}
	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	// Start takes (session, parent_window, options); the others end in options
	callArgs := append(args, opts)
	var requestPath dbus.ObjectPath
	err := p.conn.Object(portalService, portalPath).
		Call(screenCastIface+"."+method, 0, callArgs...).
		Store(&requestPath)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s response: %w", method, ctx.Err())
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(method, sig.Body)
		}
	}
}

func parseResponse(method string, body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%s: empty response", method)
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected response code %T", method, body[0])
	}
	if code != 0 {
		return nil, fmt.Errorf("%s denied (code %d)", method, code)
	}
	if len(body) < 2 {
		return map[string]dbus.Variant{}, nil
	}
	results, _ := body[1].(map[string]dbus.Variant)
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type %T", h)
	}
}

// parseNodeID reads the node id out of a(ua{sv}), which godbus decodes
// either as [][]interface{} or []interface{} of structs
func parseNodeID(streams interface{}) (uint32, error) {
	switch v := streams.(type) {
	case [][]interface{}:
		if len(v) > 0 && len(v[0]) > 0 {
			if node, ok := v[0][0].(uint32); ok {
				return node, nil
			}
		}
	case []interface{}:
		if len(v) > 0 {
			if stream, ok := v[0].([]interface{}); ok && len(stream) > 0 {
				if node, ok := stream[0].(uint32); ok {
					return node, nil
				}
			}
		}
	case nil:
		return 0, fmt.Errorf("no streams in response")
	}
	return 0, fmt.Errorf("unrecognized streams format %T", streams)
}

func handleToken(prefix string) string {
	return fmt.Sprintf("framefeed_%s_%d_%d", prefix, os.Getpid(), tokenCounter.Add(1))
}

// Close ends the ScreenCast session and the bus connection
func (p *Portal) Close() error {
	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

type tokenFile struct {
	Token string `yaml:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return ""
	}
	return tf.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(tokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
