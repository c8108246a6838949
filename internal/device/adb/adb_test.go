// File: internal/device/adb/adb_test.go
package adb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// --- Setup Helpers ---

const fakePNG = "\x89PNG\r\n\x1a\nfakeimagedata"

// useFakeADB routes every adb invocation to TestHelperProcess. The returned
// path collects one line per invocation with the arguments it received.
func useFakeADB(t *testing.T, env ...string) string {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "adb.log")
	original := execCommandContext
	t.Cleanup(func() { execCommandContext = original })

	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_LOG="+logPath)
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
	return logPath
}

func calls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func newDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

// TestHelperProcess stands in for the adb binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if f, err := os.OpenFile(os.Getenv("HELPER_LOG"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		fmt.Fprintln(f, strings.Join(args, " "))
		f.Close()
	}
	if code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT_CODE")); code != 0 {
		fmt.Fprint(os.Stderr, os.Getenv("HELPER_STDERR"))
		os.Exit(code)
	}
	if os.Getenv("HELPER_HANG") == "1" {
		time.Sleep(5 * time.Second)
		os.Exit(0)
	}
	if len(args) > 1 && args[0] == "-s" {
		args = args[2:]
	}

	command := strings.Join(args, " ")
	switch {
	case command == "get-state":
		fmt.Println(envOr("HELPER_STATE", "device"))
	case command == "shell wm size":
		fmt.Print(os.Getenv("HELPER_WM_SIZE"))
	case command == "exec-out screencap -p":
		fmt.Print(envOr("HELPER_SCREENCAP", fakePNG))
	case strings.HasPrefix(command, "shell pm list packages"):
		filter := ""
		if len(args) > 4 {
			filter = args[4]
		}
		for _, p := range strings.Split(os.Getenv("HELPER_PACKAGES"), ",") {
			if p != "" && strings.Contains(p, filter) {
				fmt.Println("package:" + p)
			}
		}
	case strings.HasPrefix(command, "shell monkey"):
		if strings.Contains(","+os.Getenv("HELPER_NO_ACTIVITY")+",", ","+args[3]+",") {
			fmt.Println("** No activities found to run, monkey aborted.")
		} else {
			fmt.Println("Events injected: 1")
		}
	case command == "exec-out uiautomator dump /dev/tty":
		fmt.Print(os.Getenv("HELPER_UI_XML"))
		fmt.Println("UI hierchary dumped to: /dev/tty")
	}
	os.Exit(0)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// --- Actuator ---

func TestDevice_InputCommands(t *testing.T) {
	logPath := useFakeADB(t)
	d := newDevice(t, Options{Serial: "emulator-5554"})
	ctx := context.Background()

	require.NoError(t, d.Tap(ctx, 540, 960))
	require.NoError(t, d.Swipe(ctx, 540, 1500, 540, 500, 300))
	require.NoError(t, d.PressBack(ctx))
	require.NoError(t, d.PressHome(ctx))
	require.NoError(t, d.PressRecent(ctx))

	assert.Equal(t, []string{
		"-s emulator-5554 shell input tap 540 960",
		"-s emulator-5554 shell input swipe 540 1500 540 500 300",
		"-s emulator-5554 shell input keyevent 4",
		"-s emulator-5554 shell input keyevent 3",
		"-s emulator-5554 shell input keyevent 187",
	}, calls(t, logPath))
}

func TestDevice_ScreenSize(t *testing.T) {
	logPath := useFakeADB(t, "HELPER_WM_SIZE=Physical size: 1080x2400\nOverride size: 720x1600\n")
	d := newDevice(t, Options{})

	size, err := d.ScreenSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.Size{Width: 720, Height: 1600}, size)

	size, err = d.ScreenSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 720, size.Width)
	assert.Len(t, calls(t, logPath), 1, "screen size should be cached")
}

func TestDevice_CaptureScreenshot(t *testing.T) {
	t.Run("PNG", func(t *testing.T) {
		useFakeADB(t)
		png, err := newDevice(t, Options{}).CaptureScreenshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte(fakePNG), png)
	})

	t.Run("Empty output is transient", func(t *testing.T) {
		useFakeADB(t, "HELPER_SCREENCAP=")
		_, err := newDevice(t, Options{}).CaptureScreenshot(context.Background())
		require.Error(t, err)
		assert.True(t, schemas.IsTransient(err))
	})

	t.Run("Non-PNG output is fatal", func(t *testing.T) {
		useFakeADB(t, "HELPER_SCREENCAP=error: no display")
		_, err := newDevice(t, Options{}).CaptureScreenshot(context.Background())
		require.Error(t, err)
		assert.False(t, schemas.IsTransient(err))
	})
}

func TestDevice_TypeText(t *testing.T) {
	ctx := context.Background()

	t.Run("ASCII is escaped for input text", func(t *testing.T) {
		logPath := useFakeADB(t)
		d := newDevice(t, Options{})
		require.NoError(t, d.TypeText(ctx, "fish & chips"))
		require.NoError(t, d.TypeText(ctx, ""))
		assert.Equal(t, []string{`shell input text fish%s\&%schips`}, calls(t, logPath))
	})

	t.Run("Non-ASCII without keyboard is rejected", func(t *testing.T) {
		logPath := useFakeADB(t)
		err := newDevice(t, Options{}).TypeText(ctx, "咖啡")
		assert.ErrorIs(t, err, schemas.ErrActionRejected)
		assert.Empty(t, calls(t, logPath))
	})

	t.Run("Non-ASCII through ADBKeyBoard", func(t *testing.T) {
		logPath := useFakeADB(t, "HELPER_PACKAGES=com.android.settings,com.android.adbkeyboard")
		d := newDevice(t, Options{ADBKeyboard: true})
		require.NoError(t, d.TypeText(ctx, "咖啡"))
		require.NoError(t, d.TypeText(ctx, "café"))

		assert.Equal(t, []string{
			"shell pm list packages com.android.adbkeyboard",
			"shell ime enable com.android.adbkeyboard/.AdbIME",
			"shell ime set com.android.adbkeyboard/.AdbIME",
			"shell am broadcast -a ADB_INPUT_B64 --es msg " + base64.StdEncoding.EncodeToString([]byte("咖啡")),
			"shell am broadcast -a ADB_INPUT_B64 --es msg " + base64.StdEncoding.EncodeToString([]byte("café")),
		}, calls(t, logPath))
	})

	t.Run("Keyboard not installed", func(t *testing.T) {
		useFakeADB(t, "HELPER_PACKAGES=com.android.settings")
		err := newDevice(t, Options{ADBKeyboard: true}).TypeText(ctx, "咖啡")
		assert.ErrorIs(t, err, schemas.ErrActionRejected)
	})
}

func TestDevice_LaunchApp(t *testing.T) {
	ctx := context.Background()
	packages := "HELPER_PACKAGES=com.android.settings,com.android.chrome,com.google.android.apps.maps,com.example.broken"

	t.Run("Package names pass through", func(t *testing.T) {
		logPath := useFakeADB(t, packages)
		require.NoError(t, newDevice(t, Options{}).LaunchApp(ctx, "com.android.chrome"))
		assert.Equal(t, []string{
			"shell monkey -p com.android.chrome -c android.intent.category.LAUNCHER 1",
		}, calls(t, logPath))
	})

	t.Run("Display names resolve once", func(t *testing.T) {
		logPath := useFakeADB(t, packages)
		d := newDevice(t, Options{})
		require.NoError(t, d.LaunchApp(ctx, "Settings"))
		require.NoError(t, d.LaunchApp(ctx, "settings"))
		assert.Equal(t, []string{
			"shell pm list packages",
			"shell monkey -p com.android.settings -c android.intent.category.LAUNCHER 1",
			"shell monkey -p com.android.settings -c android.intent.category.LAUNCHER 1",
		}, calls(t, logPath))
	})

	t.Run("Configured mapping wins", func(t *testing.T) {
		logPath := useFakeADB(t, packages)
		d := newDevice(t, Options{Apps: map[string]string{"Google Maps": "com.google.android.apps.maps"}})
		require.NoError(t, d.LaunchApp(ctx, "google maps"))
		assert.Equal(t, []string{
			"shell monkey -p com.google.android.apps.maps -c android.intent.category.LAUNCHER 1",
		}, calls(t, logPath))
	})

	t.Run("Unknown app is rejected", func(t *testing.T) {
		useFakeADB(t, packages)
		err := newDevice(t, Options{}).LaunchApp(ctx, "Nonexistent")
		assert.ErrorIs(t, err, schemas.ErrActionRejected)
	})

	t.Run("No launcher activity is rejected and not cached", func(t *testing.T) {
		logPath := useFakeADB(t, packages, "HELPER_NO_ACTIVITY=com.example.broken")
		d := newDevice(t, Options{})
		assert.ErrorIs(t, d.LaunchApp(ctx, "broken"), schemas.ErrActionRejected)
		assert.ErrorIs(t, d.LaunchApp(ctx, "broken"), schemas.ErrActionRejected)
		lines := calls(t, logPath)
		assert.Equal(t, "shell pm list packages", lines[0])
		assert.Equal(t, "shell pm list packages", lines[2])
	})
}

func TestDevice_CaptureUITree(t *testing.T) {
	xml := `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">` +
		`<node index="0" text="" class="android.widget.FrameLayout" bounds="[0,0][1080,1920]">` +
		`<node index="0" text="Wi-Fi" resource-id="android:id/title" class="android.widget.TextView" clickable="true" bounds="[48,300][400,360]" />` +
		`</node></hierarchy>`
	useFakeADB(t, "HELPER_UI_XML="+xml)

	tree, err := newDevice(t, Options{}).CaptureUITree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "android.widget.FrameLayout", tree.Class)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "Wi-Fi", tree.Children[0].Text)
	assert.True(t, tree.Children[0].Clickable)
}

func TestDevice_Ping(t *testing.T) {
	t.Run("Online", func(t *testing.T) {
		useFakeADB(t)
		assert.NoError(t, newDevice(t, Options{}).Ping(context.Background()))
	})
	t.Run("Not ready", func(t *testing.T) {
		useFakeADB(t, "HELPER_STATE=bootloader")
		err := newDevice(t, Options{}).Ping(context.Background())
		require.Error(t, err)
		assert.True(t, schemas.IsTransient(err))
	})
}

func TestDevice_ErrorClassification(t *testing.T) {
	t.Run("Offline device is transient", func(t *testing.T) {
		useFakeADB(t, "HELPER_EXIT_CODE=1", "HELPER_STDERR=error: device offline")
		err := newDevice(t, Options{}).Tap(context.Background(), 1, 1)
		require.Error(t, err)
		assert.True(t, schemas.IsTransient(err))
		assert.Contains(t, err.Error(), "adb shell input tap 1 1")
	})

	t.Run("Unknown failure is fatal", func(t *testing.T) {
		useFakeADB(t, "HELPER_EXIT_CODE=255", "HELPER_STDERR=/system/bin/sh: input: inaccessible")
		err := newDevice(t, Options{}).PressHome(context.Background())
		require.Error(t, err)
		assert.False(t, schemas.IsTransient(err))
		assert.NotErrorIs(t, err, schemas.ErrActionRejected)
	})

	t.Run("Context cancellation wins", func(t *testing.T) {
		useFakeADB(t, "HELPER_HANG=1")
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := newDevice(t, Options{}).Tap(ctx, 1, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestDevice_Close(t *testing.T) {
	logPath := useFakeADB(t)
	d := newDevice(t, Options{})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Tap(context.Background(), 1, 1), ErrClosed)
	assert.Empty(t, calls(t, logPath))
}

// --- Pure helpers ---

func TestClassify(t *testing.T) {
	exitErr := errors.New("exit status 1")
	tests := []struct {
		output    string
		transient bool
		rejected  bool
	}{
		{"error: device 'abc' not found", true, false},
		{"error: no devices/emulators found", true, false},
		{"error: device unauthorized.", true, false},
		{"error: closed", true, false},
		{"Error: Activity not started, unknown package", false, true},
		{"Error type 3: No activities found", false, true},
		{"Segmentation fault", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			err := classify("shell input tap 1 1", tt.output, exitErr)
			assert.Equal(t, tt.transient, schemas.IsTransient(err))
			assert.Equal(t, tt.rejected, errors.Is(err, schemas.ErrActionRejected))
		})
	}
}

func TestParseWMSize(t *testing.T) {
	size, err := parseWMSize("Physical size: 1080x1920\n")
	require.NoError(t, err)
	assert.Equal(t, schemas.Size{Width: 1080, Height: 1920}, size)

	_, err = parseWMSize("wm: not found")
	assert.Error(t, err)
}

func TestEscapeInputText(t *testing.T) {
	assert.Equal(t, "hello", escapeInputText("hello"))
	assert.Equal(t, `a%sb`, escapeInputText("a b"))
	assert.Equal(t, `it\'s%s\(ok\)\;`, escapeInputText("it's (ok);"))
	assert.Equal(t, `\$HOME\|\>`, escapeInputText("$HOME|>"))
}
