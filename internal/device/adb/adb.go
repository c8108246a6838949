// File: internal/device/adb/adb.go
package adb

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// execCommandContext is swapped out in tests.
var execCommandContext = exec.CommandContext

// Android key codes.
const (
	keyHome      = 3
	keyBack      = 4
	keyAppSwitch = 187
)

const (
	adbKeyboardPackage = "com.android.adbkeyboard"
	adbKeyboardIME     = "com.android.adbkeyboard/.AdbIME"
	defaultCacheSize   = 128
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	sizePattern  = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("adb device closed")
)

// Options configures a Device.
type Options struct {
	ADBPath string
	Serial  string
	// ADBKeyboard enables non-ASCII typing through the ADBKeyBoard IME.
	ADBKeyboard bool
	// Apps maps display names to package names ahead of package lookup.
	Apps         map[string]string
	AppCacheSize int
	Logger       *zap.Logger
}

// Device drives one Android device through the adb binary. It implements
// schemas.Actuator and schemas.UITreeSource.
type Device struct {
	opts   Options
	logger *zap.Logger
	apps   *lru.Cache[string, string]
	closed atomic.Bool

	mu            sync.Mutex
	size          schemas.Size
	keyboardReady bool
}

var (
	_ schemas.Actuator     = (*Device)(nil)
	_ schemas.UITreeSource = (*Device)(nil)
)

// New creates a Device. It does not talk to the device; call Ping for that.
func New(opts Options) (*Device, error) {
	if opts.ADBPath == "" {
		opts.ADBPath = "adb"
	}
	if opts.AppCacheSize <= 0 {
		opts.AppCacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cache, err := lru.New[string, string](opts.AppCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create app cache: %w", err)
	}
	known := make(map[string]string, len(opts.Apps))
	for name, pkg := range opts.Apps {
		known[normalizeAppName(name)] = pkg
	}
	opts.Apps = known

	logger := opts.Logger.Named("adb")
	if opts.Serial != "" {
		logger = logger.With(zap.String("serial", opts.Serial))
	}
	return &Device{opts: opts, logger: logger, apps: cache}, nil
}

// Ping checks that adb reaches the device and that it is online.
func (d *Device) Ping(ctx context.Context) error {
	out, err := d.run(ctx, "get-state")
	if err != nil {
		return err
	}
	if state := strings.TrimSpace(string(out)); state != "device" {
		return schemas.Transient(fmt.Errorf("device state is %q", state))
	}
	return nil
}

// -- Actuator --

// CaptureScreenshot returns the current screen as PNG.
func (d *Device) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	out, err := d.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, schemas.Transient(errors.New("screencap returned no data"))
	}
	if !bytes.HasPrefix(out, pngSignature) {
		return nil, fmt.Errorf("screencap returned %d bytes of non-PNG data", len(out))
	}
	return out, nil
}

// ScreenSize reports the display size in pixels. An override size set with
// `wm size` wins over the physical one. The result is cached.
func (d *Device) ScreenSize(ctx context.Context) (schemas.Size, error) {
	d.mu.Lock()
	cached := d.size
	d.mu.Unlock()
	if cached.Width > 0 {
		return cached, nil
	}

	out, err := d.run(ctx, "shell", "wm", "size")
	if err != nil {
		return schemas.Size{}, err
	}
	size, err := parseWMSize(string(out))
	if err != nil {
		return schemas.Size{}, err
	}
	d.mu.Lock()
	d.size = size
	d.mu.Unlock()
	return size, nil
}

func parseWMSize(out string) (schemas.Size, error) {
	var size schemas.Size
	for _, m := range sizePattern.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if m[1] == "Override" || size.Width == 0 {
			size = schemas.Size{Width: w, Height: h}
		}
	}
	if size.Width <= 0 || size.Height <= 0 {
		return schemas.Size{}, fmt.Errorf("could not parse screen size from %q", strings.TrimSpace(out))
	}
	return size, nil
}

func (d *Device) Tap(ctx context.Context, x, y int) error {
	_, err := d.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (d *Device) Swipe(ctx context.Context, x1, y1, x2, y2 int, durationMs int) error {
	_, err := d.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	return err
}

// TypeText types into the focused field. ASCII goes through `input text`;
// anything else needs the ADBKeyBoard IME and is rejected without it.
func (d *Device) TypeText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if isASCII(text) {
		_, err := d.run(ctx, "shell", "input", "text", escapeInputText(text))
		return err
	}
	if !d.opts.ADBKeyboard {
		return fmt.Errorf("%w: non-ASCII text needs device.adb_keyboard", schemas.ErrActionRejected)
	}
	if err := d.ensureKeyboard(ctx); err != nil {
		return err
	}
	msg := base64.StdEncoding.EncodeToString([]byte(text))
	_, err := d.run(ctx, "shell", "am", "broadcast", "-a", "ADB_INPUT_B64", "--es", "msg", msg)
	return err
}

// ensureKeyboard checks the IME is installed and selects it, once per Device.
func (d *Device) ensureKeyboard(ctx context.Context) error {
	d.mu.Lock()
	ready := d.keyboardReady
	d.mu.Unlock()
	if ready {
		return nil
	}

	out, err := d.run(ctx, "shell", "pm", "list", "packages", adbKeyboardPackage)
	if err != nil {
		return err
	}
	if !strings.Contains(string(out), "package:"+adbKeyboardPackage) {
		return fmt.Errorf("%w: ADBKeyBoard is not installed on the device", schemas.ErrActionRejected)
	}
	if _, err := d.run(ctx, "shell", "ime", "enable", adbKeyboardIME); err != nil {
		return err
	}
	if _, err := d.run(ctx, "shell", "ime", "set", adbKeyboardIME); err != nil {
		return err
	}
	d.logger.Debug("ADBKeyBoard selected as input method")

	d.mu.Lock()
	d.keyboardReady = true
	d.mu.Unlock()
	return nil
}

func (d *Device) PressBack(ctx context.Context) error   { return d.keyevent(ctx, keyBack) }
func (d *Device) PressHome(ctx context.Context) error   { return d.keyevent(ctx, keyHome) }
func (d *Device) PressRecent(ctx context.Context) error { return d.keyevent(ctx, keyAppSwitch) }

func (d *Device) keyevent(ctx context.Context, code int) error {
	_, err := d.run(ctx, "shell", "input", "keyevent", strconv.Itoa(code))
	return err
}

// LaunchApp starts ref, which is a package name or a display name. Names that
// resolve to nothing installed, and packages without a launcher activity, are
// rejected.
func (d *Device) LaunchApp(ctx context.Context, ref string) error {
	pkg, err := d.resolveApp(ctx, ref)
	if err != nil {
		return err
	}
	out, err := d.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	// monkey exits 0 when nothing can be launched.
	if strings.Contains(strings.ToLower(string(out)), "no activities found") {
		d.apps.Remove(normalizeAppName(ref))
		return fmt.Errorf("%w: %s has no launchable activity", schemas.ErrActionRejected, pkg)
	}
	d.logger.Debug("Launched app", zap.String("ref", ref), zap.String("package", pkg))
	return nil
}

// Close marks the device released. adb holds no per-client state, so there is
// nothing else to free.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Debug("Device released")
	return nil
}

// -- UITreeSource --

// CaptureUITree dumps the view hierarchy with uiautomator.
func (d *Device) CaptureUITree(ctx context.Context) (*schemas.UINode, error) {
	out, err := d.run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, err
	}
	return ParseUITree(out)
}

// -- Command execution --

func (d *Device) run(ctx context.Context, args ...string) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	full := args
	if d.opts.Serial != "" {
		full = append([]string{"-s", d.opts.Serial}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := execCommandContext(ctx, d.opts.ADBPath, full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify(strings.Join(args, " "), stderr.String()+stdout.String(), err)
	}
	return stdout.Bytes(), nil
}

var transientOutput = []string{
	"device offline",
	"device not found",
	"error: device '",
	"no devices/emulators found",
	"device unauthorized",
	"device still authorizing",
	"closed",
	"connection reset",
	"protocol fault",
}

var rejectedOutput = []string{
	"no activities found",
	"unknown package",
}

// classify sorts a failed adb invocation into transient, rejected or fatal.
func classify(command, output string, err error) error {
	msg := strings.TrimSpace(output)
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	for _, m := range rejectedOutput {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: adb %s: %s", schemas.ErrActionRejected, command, msg)
		}
	}
	wrapped := fmt.Errorf("adb %s: %s: %w", command, msg, err)
	for _, m := range transientOutput {
		if strings.Contains(lower, m) {
			return schemas.Transient(wrapped)
		}
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("adb binary unavailable: %w", err)
	}
	return wrapped
}

// -- Text helpers --

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// escapeInputText prepares text for `input text`, which runs through the
// device shell and reads %s as a space.
func escapeInputText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\\', '\'', '"', '(', ')', '&', '<', '>', '|', ';', '*', '~', '$', '`', '?', '!', '#':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
