// File: internal/device/adb/apps.go
package adb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

var packagePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

func normalizeAppName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// resolveApp maps a launch reference to a package name. Package names pass
// through; display names are looked up in the configured mapping, then the
// resolution cache, then the installed package list.
func (d *Device) resolveApp(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty app reference", schemas.ErrActionRejected)
	}
	if packagePattern.MatchString(ref) {
		return ref, nil
	}

	key := normalizeAppName(ref)
	if pkg, ok := d.opts.Apps[key]; ok {
		return pkg, nil
	}
	if pkg, ok := d.apps.Get(key); ok {
		return pkg, nil
	}

	out, err := d.run(ctx, "shell", "pm", "list", "packages")
	if err != nil {
		return "", err
	}
	pkg, ok := matchPackage(key, parsePackageList(string(out)))
	if !ok {
		return "", fmt.Errorf("%w: no installed package matches %q", schemas.ErrActionRejected, ref)
	}
	d.apps.Add(key, pkg)
	d.logger.Debug("Resolved app name", zap.String("name", ref), zap.String("package", pkg))
	return pkg, nil
}

func parsePackageList(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if p, ok := strings.CutPrefix(line, "package:"); ok && p != "" {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs
}

// matchPackage prefers the conventional com.android.<name> and
// com.google.android.<name> packages, then a package whose last segment is
// the name, then the shortest package containing it.
func matchPackage(key string, installed []string) (string, bool) {
	if key == "" {
		return "", false
	}
	set := make(map[string]bool, len(installed))
	for _, p := range installed {
		set[p] = true
	}
	for _, c := range []string{"com.android." + key, "com.google.android." + key} {
		if set[c] {
			return c, true
		}
	}

	var segment, contains []string
	for _, p := range installed {
		lower := strings.ToLower(p)
		switch {
		case lower[strings.LastIndex(lower, ".")+1:] == key:
			segment = append(segment, p)
		case strings.Contains(lower, key):
			contains = append(contains, p)
		}
	}
	for _, group := range [][]string{segment, contains} {
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if len(group[i]) != len(group[j]) {
				return len(group[i]) < len(group[j])
			}
			return group[i] < group[j]
		})
		return group[0], true
	}
	return "", false
}
